package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/chatsync/internal/config"
	"github.com/comigor/chatsync/internal/engine"
	"github.com/comigor/chatsync/internal/history"
	"github.com/comigor/chatsync/internal/httpapi"
	"github.com/comigor/chatsync/internal/llm"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/mcpserver"
	"github.com/comigor/chatsync/internal/outbox"
	"github.com/comigor/chatsync/internal/telemetry"
)

const version = "v0.1.0"

// drainTimeout bounds the final flush of pending writes on shutdown.
const drainTimeout = 5 * time.Second

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "chatsync: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "chatsync keeps chat sessions in sync with a store and an assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (defaults to $CONFIG_PATH or ./config.yaml)")

	load := func() (*config.Config, error) {
		path := strings.TrimSpace(configPath)
		if path == "" {
			return config.Load()
		}
		return config.LoadFile(path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve the chat tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serveMCP(cmd.Context(), cfg)
		},
	})

	return cmd
}

// app is the wiring shared by every surface.
type app struct {
	store     history.Store
	outbox    *outbox.Outbox
	completer llm.Completer
	metrics   *telemetry.Metrics
	closers   []func(context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	rt := &app{}

	logCloser := logger.Setup(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if cfg.Log.File == "" && logOut != nil {
		logger.SetOutput(logOut)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return logCloser.Close() })

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Dir)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		rt.closers = append(rt.closers, shutdown)
	}
	rt.metrics = telemetry.Default()

	switch cfg.Store.Driver {
	case config.DriverMemory:
		rt.store = history.NewMemory()
	default:
		rt.store = history.Open(cfg.Store.Path)
	}
	if c, ok := rt.store.(io.Closer); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return c.Close() })
	}

	completer, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build completer: %w", err)
	}
	rt.completer = completer

	rt.outbox = outbox.New(outbox.Policy{
		MaxAttempts: cfg.Sync.Retry.MaxAttempts,
		BaseDelay:   cfg.Sync.Retry.BaseDelay,
		MaxDelay:    cfg.Sync.Retry.MaxDelay,
	}, outbox.WithMetrics(rt.metrics))

	return rt, nil
}

func (rt *app) engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Store:     rt.store,
		Completer: rt.completer,
		Outbox:    rt.outbox,
		Window:    cfg.Sync.ReconcileWindow,
		Timeout:   cfg.LLM.Timeout,
		Metrics:   rt.metrics,
	}
}

// close drains pending writes once more and releases resources in reverse
// order of acquisition.
func (rt *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if n := rt.outbox.Flush(ctx); n > 0 {
		logger.L.Warn("shutting down with unsaved writes", "pending", n)
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			logger.L.Warn("shutdown step failed", "error", err)
		}
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	go func() {
		if err := rt.outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L.Error("outbox stopped", "error", err)
		}
	}()

	pool := engine.NewPool(rt.engineConfig(cfg))
	defer pool.Close()

	owners := cfg.Auth.Owners()
	if len(owners) == 0 {
		logger.L.Warn("no auth.users configured; every chat request will be rejected")
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           httpapi.NewServer(pool, rt.store, owners),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr, "store", cfg.Store.Driver, "provider", cfg.LLM.Provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.L.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serveMCP(parent context.Context, cfg *config.Config) error {
	if cfg.MCP.Owner == "" {
		return fmt.Errorf("%w: mcp.owner is required", config.ErrInvalidConfig)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol
	rt, err := newRuntime(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	go func() {
		if err := rt.outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L.Error("outbox stopped", "error", err)
		}
	}()

	engCfg := rt.engineConfig(cfg)
	engCfg.Owner = cfg.MCP.Owner
	eng, err := engine.New(engCfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		logger.L.Warn("engine started without session directory", "error", err)
	}
	defer eng.Close()

	return mcpserver.New(eng, version).ServeStdio()
}
