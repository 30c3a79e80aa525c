package main

import (
	"context"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/chain"
	"github.com/fyrsmithlabs/devchain/internal/config"
	"github.com/fyrsmithlabs/devchain/internal/embeddings"
	"github.com/fyrsmithlabs/devchain/internal/jobs"
	"github.com/fyrsmithlabs/devchain/internal/logging"
	"github.com/fyrsmithlabs/devchain/internal/memory"
	"github.com/fyrsmithlabs/devchain/internal/phase"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
	"github.com/fyrsmithlabs/devchain/internal/secrets"
	"github.com/fyrsmithlabs/devchain/internal/telemetry"
	"github.com/fyrsmithlabs/devchain/internal/workspace"
)

// app holds everything a server mode needs.
type app struct {
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     memory.Store
	nc        *nats.Conn
	redactor  *secrets.Redactor
	chain     *chain.Chain
	watcher   *phase.Watcher
	manager   *jobs.Manager
}

// build wires the job manager from cfg. Console logs are written to out.
// Anything started before a failure is released before build returns.
func build(ctx context.Context, cfg *config.Config, out io.Writer) (_ *app, err error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging, cfg.Telemetry.Enabled)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	logCfg.Output = out
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := logger.Underlying()
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	backend, err := agent.NewBackend(cfg.LLM, zl)
	if err != nil {
		return nil, err
	}
	if scripted, ok := backend.(*agent.ScriptedBackend); ok {
		scripted.WithFallback(demoReply)
		zl.Warn("using the scripted llm backend; generated projects are canned")
	}

	embedder, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	embedder = embeddings.Instrument(embedder, cfg.Embeddings.Model, embeddings.NewMetrics(zl))

	a.telemetry, err = telemetry.New(ctx, cfg.Telemetry, version, zl)
	if err != nil {
		return nil, err
	}

	a.store, err = memory.NewStore(ctx, cfg.Memory, cfg.Embeddings.Dimension, zl)
	if err != nil {
		return nil, err
	}

	defs, err := phase.LoadDefinitions(cfg.Chain.PhasesFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	defs = capTurns(defs, cfg.Chain.MaxTurns)

	deps := phase.Deps{
		Backend:  backend,
		Store:    a.store,
		Embedder: embedder,
		Logger:   logger,
		Tracer:   a.telemetry.Tracer("devchain"),
		Retry: roleplay.RetryPolicy{
			Attempts:   cfg.Chain.RetryAttempts,
			Backoff:    cfg.Chain.RetryBackoff.Duration(),
			MaxBackoff: cfg.Chain.RetryMaxBackoff.Duration(),
		},
		MaxHistory: cfg.Chain.MaxHistory,
		Scope:      cfg.Memory.Scope,
	}
	if cfg.Secrets.Enabled {
		a.redactor, err = secrets.New(cfg.Secrets, zl)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}
		deps.Redactor = a.redactor
	}

	opts := []chain.Option{chain.WithPhaseTimeout(cfg.Chain.PhaseTimeout.Duration())}
	if cfg.Workspace.Enabled {
		opts = append(opts, chain.WithExporter(workspace.New(cfg.Workspace, zl)))
	}
	a.chain, err = chain.New(defs, deps, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Chain.WatchPhases && cfg.Chain.PhasesFile != "" {
		maxTurns := cfg.Chain.MaxTurns
		a.watcher, err = phase.NewWatcher(cfg.Chain.PhasesFile, func(defs []phase.Definition) {
			if err := a.chain.SetDefinitions(capTurns(defs, maxTurns)); err != nil {
				zl.Warn("phase reload ignored", zap.Error(err))
			}
		}, logger)
		if err == nil {
			err = a.watcher.Start(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}
	}

	jobOpts := []jobs.Option{jobs.WithLogger(logger)}
	if cfg.Events.NATSURL != "" {
		a.nc, err = jobs.ConnectNATS(cfg.Events.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("%w: nats: %w", config.ErrConfiguration, err)
		}
		jobOpts = append(jobOpts, jobs.WithPublisher(jobs.NewNATSPublisher(a.nc, cfg.Events.SubjectPrefix)))
	}
	a.manager = jobs.NewManager(a.chain, cfg.Jobs, jobOpts...)

	zl.Info("devchain ready",
		zap.String("version", version),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("memory_provider", cfg.Memory.Provider),
		zap.Strings("phases", a.chain.Phases()),
		zap.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
		zap.Bool("events", a.nc != nil),
		zap.Bool("workspace", cfg.Workspace.Enabled),
		zap.Bool("watch_phases", a.watcher != nil),
	)
	return a, nil
}

// close releases connections. The job manager is shut down by the caller.
func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Underlying().Warn("memory store close", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(context.Background()); err != nil {
			a.logger.Underlying().Warn("telemetry shutdown", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// capTurns lowers every phase's turn limit to max when max is positive.
func capTurns(defs []phase.Definition, max int) []phase.Definition {
	if max <= 0 {
		return defs
	}
	out := make([]phase.Definition, len(defs))
	for i, d := range defs {
		if d.MaxTurns > max {
			d.MaxTurns = max
		}
		out[i] = d
	}
	return out
}
