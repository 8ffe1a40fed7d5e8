// Package kafka ingests provider events from a topic and announces dead
// letters on another. Offsets are committed only after the processor has
// durably recorded the delivery, so a crash replays messages and the
// processor's deduplication absorbs the repeats.
package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/observability"
	"github.com/felipemaragno/settle/internal/processor"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	BatchTimeout  time.Duration // Max time to collect messages before processing
	CommitTimeout time.Duration
	// RetryBackoff is the first pause before retrying a message whose
	// processing was unavailable. It doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchTimeout:    100 * time.Millisecond,
		CommitTimeout:   5 * time.Second,
		RetryBackoff:    500 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
	}
}

// EventProcessor is satisfied by *processor.Processor.
type EventProcessor interface {
	Process(ctx context.Context, ev domain.ProviderEvent) (processor.Result, error)
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds a topic of provider events into the processor, one message
// at a time in partition order.
type Consumer struct {
	config    ConsumerConfig
	reader    messageReader
	processor EventProcessor
	logger    *slog.Logger
	metrics   *observability.Metrics

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

func NewConsumer(config ConsumerConfig, p EventProcessor, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // manual commits only
		StartOffset:    kafka.FirstOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
	return newConsumer(config, reader, p, logger)
}

func newConsumer(config ConsumerConfig, reader messageReader, p EventProcessor, logger *slog.Logger) *Consumer {
	defaults := DefaultConsumerConfig()
	if config.BatchTimeout == 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.CommitTimeout == 0 {
		config.CommitTimeout = defaults.CommitTimeout
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.MaxRetryBackoff == 0 {
		config.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{
		config:    config,
		reader:    reader,
		processor: p,
		logger:    logger,
		shutdown:  make(chan struct{}),
	}
}

func (c *Consumer) WithMetrics(m *observability.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Start begins consuming in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
	)
}

// Stop waits for the in-flight message and closes the reader.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.shutdown) })
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	// Cancel in-flight fetches when Stop is called.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			if !c.sleep(ctx, c.config.RetryBackoff) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg) {
			// Left uncommitted; the group redelivers it after restart.
			return
		}
		c.commit(ctx, msg)
	}
}

// handle runs one message through the processor. It returns false only when
// the consumer is shutting down before the delivery could be recorded.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	ev, err := domain.ParseProviderEvent(msg.Value)
	if err != nil {
		c.logger.Error("dropping undecodable message",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		c.count("undecodable")
		return true
	}

	backoff := c.config.RetryBackoff
	for {
		res, err := c.processor.Process(ctx, ev)
		if res.Outcome != processor.OutcomeUnavailable {
			if res.Outcome == processor.OutcomeRejected {
				c.logger.Warn("rejected message", "event_id", ev.ID, "offset", msg.Offset, "error", err)
			}
			c.count(string(res.Outcome))
			return true
		}

		c.count(string(res.Outcome))
		c.logger.Warn("processing unavailable, retrying message",
			"event_id", ev.ID,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"backoff", backoff,
			"error", err,
		)
		if !c.sleep(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, c.config.MaxRetryBackoff)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		c.logger.Error("failed to commit message",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) count(result string) {
	if c.metrics != nil {
		c.metrics.KafkaMessages.WithLabelValues(result).Inc()
	}
}
