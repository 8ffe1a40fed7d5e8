package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/observability"
)

// messageWriter is the subset of *kafka.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig configures a Kafka writer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func newWriter(config ProducerConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{}, // same provider event id, same partition
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
}

// Producer publishes verified provider events to the ingest topic.
type Producer struct {
	writer messageWriter
}

func NewProducer(config ProducerConfig) *Producer {
	return &Producer{writer: newWriter(config)}
}

// Publish writes the event body verbatim, keyed by provider event id.
func (p *Producer) Publish(ctx context.Context, ev domain.ProviderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	body, err := ev.Payload()
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ID), Value: body}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// DeadLetterMessage is the record published when an event exhausts its attempts.
type DeadLetterMessage struct {
	ProviderEventID string    `json:"provider_event_id"`
	EventType       string    `json:"event_type"`
	AttemptCount    int       `json:"attempt_count"`
	Error           string    `json:"error,omitempty"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
}

// DeadLetterPublisher announces dead-lettered events so operators can act on
// them. It implements processor.DeadLetterNotifier.
type DeadLetterPublisher struct {
	writer  messageWriter
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewDeadLetterPublisher(config ProducerConfig, logger *slog.Logger) *DeadLetterPublisher {
	return newDeadLetterPublisher(newWriter(config), logger)
}

func newDeadLetterPublisher(w messageWriter, logger *slog.Logger) *DeadLetterPublisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DeadLetterPublisher{writer: w, logger: logger}
}

func (d *DeadLetterPublisher) WithMetrics(m *observability.Metrics) *DeadLetterPublisher {
	d.metrics = m
	return d
}

func (d *DeadLetterPublisher) NotifyDeadLetter(ctx context.Context, status domain.EventStatus) error {
	msg := DeadLetterMessage{
		ProviderEventID: status.ProviderEventID,
		EventType:       status.EventType,
		AttemptCount:    status.AttemptCount,
		FirstSeenAt:     status.CreatedAt,
	}
	if status.ErrorMessage != nil {
		msg.Error = *status.ErrorMessage
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(status.ProviderEventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(status.EventType)},
		},
	})
	if d.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		d.metrics.DeadLettersPublished.WithLabelValues(result).Inc()
	}
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}

	d.logger.Info("dead letter published", "event_id", status.ProviderEventID, "attempts", status.AttemptCount)
	return nil
}

func (d *DeadLetterPublisher) Close() error {
	return d.writer.Close()
}
