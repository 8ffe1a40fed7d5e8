package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/app"
	"github.com/felipemaragno/settle/internal/config"
	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/kafka"
	"github.com/felipemaragno/settle/internal/processor"
	"github.com/felipemaragno/settle/internal/repository/postgres"
)

// ErrNoBroker is returned by Publish when KAFKA_BROKERS or KAFKA_TOPIC is unset.
var ErrNoBroker = errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required to publish")

// AppBackend runs commands against the same stores the services use.
type AppBackend struct {
	app      *app.App
	producer *kafka.Producer
}

// AppOpener returns an Opener that builds an AppBackend from cfg. Metrics are
// not registered for one-shot commands.
func AppOpener(cfg config.Config, logger *slog.Logger) Opener {
	return func(ctx context.Context) (Backend, error) {
		a, err := app.New(ctx, cfg, nil, logger)
		if err != nil {
			return nil, err
		}
		b := &AppBackend{app: a}
		if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
			pc := kafka.DefaultProducerConfig()
			pc.Brokers = cfg.KafkaBrokers
			pc.Topic = cfg.KafkaTopic
			b.producer = kafka.NewProducer(pc)
		}
		return b, nil
	}
}

func (b *AppBackend) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, b.app.Pool)
}

func (b *AppBackend) Status(ctx context.Context, providerEventID string) (domain.EventStatus, error) {
	return b.app.Processor.Status(ctx, providerEventID)
}

func (b *AppBackend) ListDeadLetters(ctx context.Context, limit int) ([]domain.EventStatus, error) {
	return b.app.Processor.ListDeadLetters(ctx, limit)
}

func (b *AppBackend) Replay(ctx context.Context, providerEventID string) (processor.Result, error) {
	return b.app.Processor.Replay(ctx, providerEventID)
}

func (b *AppBackend) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return b.app.Store.Ledger().Balance(ctx, userID)
}

func (b *AppBackend) CreateUser(ctx context.Context, userID uuid.UUID, email string) error {
	return b.app.Store.Ledger().CreateUser(ctx, userID, email)
}

func (b *AppBackend) Publish(ctx context.Context, ev domain.ProviderEvent) error {
	if b.producer == nil {
		return ErrNoBroker
	}
	return b.producer.Publish(ctx, ev)
}

func (b *AppBackend) Close() {
	if b.producer != nil {
		_ = b.producer.Close()
	}
	b.app.Close()
}
