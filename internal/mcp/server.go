package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/jobs"
)

// JobService is the subset of the job manager the tools call.
type JobService interface {
	Submit(ctx context.Context, task jobs.Task) (string, error)
	Get(id string) (jobs.Job, error)
	GetResult(id string) (*jobs.Result, error)
	Cancel(ctx context.Context, id string) (jobs.Job, error)
	Wait(ctx context.Context, id string) (jobs.Job, error)
}

// Redactor scrubs secrets from tool output.
type Redactor interface {
	Redact(text string) string
}

// Server is an MCP server backed by the job manager.
type Server struct {
	mcp      *mcp.Server
	jobs     JobService
	redactor Redactor
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "devchain")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Redactor is optional.
	Redactor Redactor
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "devchain",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server.
func NewServer(cfg *Config, svc JobService) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		return nil, fmt.Errorf("job service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "devchain"
	}
	if version == "" {
		version = "1.0.0"
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		jobs:     svc,
		redactor: cfg.Redactor,
		metrics:  NewMetrics(logger),
		logger:   logger,
	}
	s.registerJobTools()
	return s, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

func (s *Server) redact(text string) string {
	if s.redactor == nil {
		return text
	}
	return s.redactor.Redact(text)
}
