// Worker that consumes verified provider events from Kafka.
// Designed to run as multiple instances in a consumer group.
//
// Two loops run side by side:
// 1. Kafka consumer: feeds new deliveries into the processor
// 2. Redelivery poller: re-drives failed events once their retry time passes
//
// A small HTTP server exposes health and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/settle/internal/app"
	"github.com/felipemaragno/settle/internal/config"
	"github.com/felipemaragno/settle/internal/kafka"
	"github.com/felipemaragno/settle/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(os.Stderr, "error").Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required for the ingest worker")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("settle")
	a, err := app.New(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	consumerConfig := kafka.DefaultConsumerConfig()
	consumerConfig.Brokers = cfg.KafkaBrokers
	consumerConfig.Topic = cfg.KafkaTopic
	consumerConfig.GroupID = cfg.KafkaGroupID

	consumer := kafka.NewConsumer(consumerConfig, a.Processor, logger).WithMetrics(metrics)
	consumer.Start(ctx)
	go a.Poller.Start(ctx)
	a.Health.SetReady(true)

	r := chi.NewRouter()
	r.Get("/health", a.Health.Health)
	r.Get("/ready", a.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("ingest worker started",
		"topic", cfg.KafkaTopic,
		"group", cfg.KafkaGroupID,
		"dead_letter_topic", cfg.DeadLetterTopic,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	a.Health.SetReady(false)

	consumer.Stop()
	a.Poller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown health server", "error", err)
	}

	logger.Info("shutdown complete")
}
