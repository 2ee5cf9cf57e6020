// The schema worker owns tenant connections: it keeps vector indexes
// current through schema change notifications and exposes the control
// surface the API service proxies to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schemapilot/schemapilot/internal/app"
	"github.com/schemapilot/schemapilot/internal/config"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/worker"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 5 * time.Minute // SSE streams stay open
	idleTimeout       = 5 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: true})
	if err := run(logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	state := worker.NewState(ctx, cfg, a.Store, a.Cache, a.Bus, a.Metrics, logger)

	// Point at the base database and start its change listener. Neither is
	// fatal: the control surface can repair a missing index later.
	if base := cfg.BaseDatabase(); base != "" {
		if _, err := state.SetDB(ctx, base); err != nil {
			logger.Warn("initial index build failed", "db", base, "error", err)
		}
		if _, err := state.Attach(ctx, base); err != nil {
			logger.Warn("initial listener attach failed", "db", base, "error", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.WorkerAddr,
		Handler:           worker.NewServer(state, a.Bus, a.Registry, logger).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("schema worker ready", "addr", cfg.WorkerAddr,
		"backend", cfg.VectorBackend, "active_db", state.ActiveDB())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Bus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down worker")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
