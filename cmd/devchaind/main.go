// Devchaind runs the devchain job service.
//
// By default it serves the HTTP job API. "devchaind mcp" serves the same
// job manager as MCP tools over stdio instead.
//
// Usage:
//
//	# Start the HTTP API with defaults
//	devchaind
//
//	# Use a config file and the offline scripted backend
//	DEVCHAIN_LLM_PROVIDER=scripted devchaind --config devchain.yaml
//
//	# Serve MCP over stdio
//	devchaind mcp
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/config"
	devhttp "github.com/fyrsmithlabs/devchain/internal/http"
	"github.com/fyrsmithlabs/devchain/internal/mcp"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "devchaind",
		Short:         "Multi-agent software development job service",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHTTP(signalContext())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("DEVCHAIN_CONFIG"), "path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve the job tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(signalContext())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	})
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func printVersion() {
	fmt.Printf("devchaind by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// runHTTP serves the job API until ctx is cancelled, then drains jobs.
func runHTTP(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()
	zl := a.logger.Underlying()

	httpCfg := &devhttp.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	}
	if a.redactor != nil {
		httpCfg.Redactor = a.redactor
	}
	srv, err := devhttp.NewServer(a.manager, zl, httpCfg)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http server shutdown", zap.Error(err))
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		zl.Warn("job manager shutdown", zap.Error(err))
	}
	zl.Info("server shutdown complete")
	return nil
}

// runMCP serves the job tools on stdio. Logs go to stderr.
func runMCP(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	mcpCfg := &mcp.Config{Name: "devchain", Version: version, Logger: a.logger.Underlying()}
	if a.redactor != nil {
		mcpCfg.Redactor = a.redactor
	}
	srv, err := mcp.NewServer(mcpCfg, a.manager)
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.Underlying().Warn("job manager shutdown", zap.Error(err))
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
