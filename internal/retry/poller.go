package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/settle/internal/clock"
	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/observability"
	"github.com/felipemaragno/settle/internal/resilience"
)

// RetryableLister returns events whose next_retry_at has passed.
type RetryableLister interface {
	ListRetryable(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]*domain.WebhookEvent, error)
}

// Redeliverer runs a stored event through processing again and reports the outcome.
type Redeliverer interface {
	Redeliver(ctx context.Context, event *domain.WebhookEvent) (outcome string, err error)
}

// PollerConfig holds configuration for the redelivery poller.
type PollerConfig struct {
	// PollInterval is how often to look for due events (default: 5s)
	PollInterval time.Duration
	// BatchSize is the maximum number of events fetched per poll (default: 100)
	BatchSize int
	// OrphanGrace is how long a row may sit without a committed first attempt
	// before the poller drives it itself (default: 5m)
	OrphanGrace time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		OrphanGrace:  5 * time.Minute,
	}
}

// Poller is the scheduler that honours next_retry_at: processing itself never
// waits for it. Each poll re-drives due events one at a time so a single
// instance never runs two attempts of the same event in one poll.
// Multiple instances are safe; attempts on one event serialize on its row lock.
type Poller struct {
	config      PollerConfig
	events      RetryableLister
	redeliverer Redeliverer
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
	limiter     *resilience.RateLimiterManager

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPoller(
	events RetryableLister,
	redeliverer Redeliverer,
	clk clock.Clock,
	config PollerConfig,
	logger *slog.Logger,
) *Poller {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.OrphanGrace == 0 {
		config.OrphanGrace = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Poller{
		config:      config,
		events:      events,
		redeliverer: redeliverer,
		clock:       clk,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

func (p *Poller) WithMetrics(m *observability.Metrics) *Poller {
	p.metrics = m
	return p
}

// WithRateLimiter caps redeliveries per event type. Events over the limit are
// left for a later poll without consuming an attempt.
func (p *Poller) WithRateLimiter(l *resilience.RateLimiterManager) *Poller {
	p.limiter = l
	return p
}

// Start polls until Stop is called or ctx is cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	p.logger.Info("redelivery poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("redelivery poller stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("redelivery poller stopping due to stop signal")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Stop signals the poller and waits for the current poll to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// RunOnce performs a single poll and returns how many events were re-driven.
func (p *Poller) RunOnce(ctx context.Context) int {
	return p.poll(ctx)
}

func (p *Poller) poll(ctx context.Context) int {
	now := p.clock.Now()
	events, err := p.events.ListRetryable(ctx, now, now.Add(-p.config.OrphanGrace), p.config.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to fetch retryable events", "error", err)
		}
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	var redriven, throttled int
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-p.stopCh:
			return redriven
		default:
		}

		if p.limiter != nil && !p.limiter.Allow(event.EventType) {
			throttled++
			if p.metrics != nil {
				p.metrics.RedeliveryThrottled.Inc()
			}
			p.logger.Debug("redelivery throttled",
				"event_id", event.ProviderEventID,
				"event_type", event.EventType,
				"retry_in", p.limiter.Delay(event.EventType),
			)
			continue
		}

		outcome, err := p.redeliverer.Redeliver(ctx, event)
		redriven++
		if p.metrics != nil {
			p.metrics.Redeliveries.WithLabelValues(outcome).Inc()
		}
		if err != nil {
			p.logger.Warn("redelivery failed",
				"event_id", event.ProviderEventID,
				"event_type", event.EventType,
				"outcome", outcome,
				"error", err,
			)
		}
	}

	p.logger.Info("redelivery batch processed",
		"fetched", len(events),
		"redriven", redriven,
		"throttled", throttled,
	)
	return redriven
}
