// Package http provides the job API for devchain.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/jobs"
	"github.com/fyrsmithlabs/devchain/internal/logging"
)

// JobService is the job registry the API serves.
type JobService interface {
	Submit(ctx context.Context, task jobs.Task) (string, error)
	Get(id string) (jobs.Job, error)
	GetResult(id string) (*jobs.Result, error)
	Cancel(ctx context.Context, id string) (jobs.Job, error)
	Delete(id string) error
	List(status jobs.Status) []jobs.Job
}

// Redactor scrubs secrets from response bodies.
type Redactor interface {
	Redact(text string) string
}

// Server provides HTTP endpoints for devchain.
type Server struct {
	echo   *echo.Echo
	jobs   JobService
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Redactor is applied to job results and errors. Optional.
	Redactor Redactor
}

// NewServer creates a new HTTP server.
func NewServer(svc JobService, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("job service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", rid),
			)
			return nil
		}
	})

	s := &Server{
		echo:   e,
		jobs:   svc,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/jobs", s.handleSubmit)
	v1.GET("/jobs", s.handleList)
	v1.GET("/jobs/:id", s.handleGet)
	v1.GET("/jobs/:id/result", s.handleResult)
	v1.DELETE("/jobs/:id", s.handleCancel)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Counts:  CountJobs(s.jobs.List("")),
	})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	task := jobs.Task{Name: req.Name, Description: req.Task}
	if req.Overrides != nil {
		task.MaxTurns = req.Overrides.MaxTurns
		task.Model = req.Overrides.Model
	}

	id, err := s.jobs.Submit(c.Request().Context(), task)
	if err != nil {
		return s.jobError(err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{JobID: id, Status: jobs.StatusPending})
}

func (s *Server) handleList(c echo.Context) error {
	status := jobs.Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
	}
	list := s.jobs.List(status)
	return c.JSON(http.StatusOK, ListResponse{Jobs: list, Total: len(list)})
}

func (s *Server) handleGet(c echo.Context) error {
	job, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		return s.jobError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleResult(c echo.Context) error {
	id := c.Param("id")
	job, err := s.jobs.Get(id)
	if err != nil {
		return s.jobError(err)
	}

	res, err := s.jobs.GetResult(id)
	resp := ResultResponse{JobID: id, Status: job.Status, Result: res.Redacted(s.redact)}
	var jobErr *jobs.JobError
	switch {
	case err == nil:
		resp.Status = jobs.StatusSucceeded
	case errors.As(err, &jobErr):
		resp.Status = jobs.StatusFailed
		redacted := *jobErr
		redacted.Cause = s.redact(redacted.Cause)
		resp.Error = &redacted
	case errors.Is(err, jobs.ErrCancelled):
		resp.Status = jobs.StatusCancelled
	default:
		return s.jobError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) redact(text string) string {
	if s.config.Redactor == nil {
		return text
	}
	return s.config.Redactor.Redact(text)
}

// handleCancel cancels a job. With ?purge=true a finished job is removed
// from the registry instead.
func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if c.QueryParam("purge") == "true" {
		if err := s.jobs.Delete(id); err != nil {
			return s.jobError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	job, err := s.jobs.Cancel(c.Request().Context(), id)
	if err != nil {
		return s.jobError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// jobError maps job manager errors to HTTP errors.
func (s *Server) jobError(err error) error {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrInvalidTask):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrShutdown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("job request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
