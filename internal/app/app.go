// Package app wires the settlement components from a Config. The binaries
// under cmd/ differ only in which transport they put in front of it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/settle/internal/cache"
	"github.com/felipemaragno/settle/internal/clock"
	"github.com/felipemaragno/settle/internal/config"
	"github.com/felipemaragno/settle/internal/kafka"
	"github.com/felipemaragno/settle/internal/observability"
	"github.com/felipemaragno/settle/internal/processor"
	"github.com/felipemaragno/settle/internal/repository/postgres"
	"github.com/felipemaragno/settle/internal/resilience"
	"github.com/felipemaragno/settle/internal/retry"
	"github.com/felipemaragno/settle/internal/settlement"
)

type App struct {
	Config    config.Config
	Pool      *pgxpool.Pool
	Store     *postgres.Store
	Metrics   *observability.Metrics
	Processor *processor.Processor
	Poller    *retry.Poller
	Health    *observability.HealthHandler

	redis       *redis.Client
	deadLetters *kafka.DeadLetterPublisher
	logger      *slog.Logger
}

// New connects to Postgres (required) and Redis (optional), applies the
// schema and builds the processor with the redelivery poller.
func New(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger *slog.Logger) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")

	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Pool:    pool,
		Store:   postgres.NewStore(pool),
		Metrics: metrics,
		Health:  observability.NewHealthHandler(pool),
		logger:  logger,
	}

	var policy settlement.EntitlementPolicy
	if cfg.MinorUnitsPerCredit > 0 {
		policy = settlement.AmountPolicy{MinorUnitsPerCredit: cfg.MinorUnitsPerCredit}
	}

	breaker := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())
	breaker.OnStateChange(func(eventType string, from, to resilience.CircuitBreakerState) {
		logger.Warn("circuit breaker state changed", "event_type", eventType, "from", from, "to", to)
		if metrics == nil {
			return
		}
		metrics.CircuitBreakerState.WithLabelValues(eventType).Set(to.Gauge())
		if to == resilience.CircuitBreakerStateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(eventType).Inc()
		}
	})

	a.Processor = processor.New(
		a.Store.Events(),
		a.Store,
		settlement.NewDefaultApplier(policy, logger),
		clock.RealClock{},
		cfg.RetryPolicy(),
		logger,
	).WithMetrics(metrics).WithCircuitBreaker(breaker)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opt)
		processed := cache.NewRedisProcessedCache(a.redis, cfg.ProcessedCacheTTL, logger)
		if err := processed.Ping(ctx); err != nil {
			logger.Warn("redis not available, processed cache will fail open", "error", err)
		} else {
			logger.Info("connected to redis")
		}
		a.Processor.WithProcessedCache(processed)
		a.Health.WithOptionalCheck("redis", processed)
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.DeadLetterTopic != "" {
		pc := kafka.DefaultProducerConfig()
		pc.Brokers = cfg.KafkaBrokers
		pc.Topic = cfg.DeadLetterTopic
		a.deadLetters = kafka.NewDeadLetterPublisher(pc, logger).WithMetrics(metrics)
		a.Processor.WithDeadLetterNotifier(a.deadLetters)
	}

	a.Poller = retry.NewPoller(a.Store.Events(), a.Processor, clock.RealClock{}, cfg.PollerConfig(), logger).
		WithMetrics(metrics).
		WithRateLimiter(resilience.NewRateLimiterManager(cfg.RateLimiterConfig()))

	return a, nil
}

func (a *App) Close() {
	if a.deadLetters != nil {
		if err := a.deadLetters.Close(); err != nil {
			a.logger.Error("failed to close dead letter publisher", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.Pool.Close()
}
