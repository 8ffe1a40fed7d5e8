// HTTP service that receives verified provider events and settles them into
// the credits ledger. The redelivery poller runs alongside the server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipemaragno/settle/internal/api"
	"github.com/felipemaragno/settle/internal/app"
	"github.com/felipemaragno/settle/internal/config"
	"github.com/felipemaragno/settle/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(os.Stderr, "error").Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("settle")
	a, err := app.New(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(a.Processor, logger),
		HealthHandler: a.Health,
		Metrics:       metrics,
		Logger:        logger,
	})

	go a.Poller.Start(ctx)
	a.Health.SetReady(true)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	a.Health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	a.Poller.Stop()

	logger.Info("shutdown complete")
}
