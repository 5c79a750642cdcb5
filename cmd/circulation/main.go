// cmd/circulation/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libranexus/circulation/internal/app"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/server"
	"github.com/libranexus/circulation/internal/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "circulation: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, st, clock.System(), logger)
	if err != nil {
		st.Close()
		return err
	}
	defer a.Close()

	if err := a.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap tenant: %w", err)
	}

	a.Dispatcher.Start(ctx)
	defer a.Dispatcher.Stop()
	a.Scheduler.Start()
	defer a.Scheduler.Stop()

	srv := server.New(server.Config{
		Addr:            cfg.HTTPAddr,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, a.Router(), logger)

	logger.Info("starting circulation service", "version", version, "addr", cfg.HTTPAddr, "tracing", tp.Enabled())
	return srv.Run(ctx)
}
