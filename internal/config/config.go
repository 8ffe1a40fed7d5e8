// Package config loads the service configuration once at startup.
// Values come from the environment; an optional .env file is read first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/felipemaragno/settle/internal/resilience"
	"github.com/felipemaragno/settle/internal/retry"
)

type Config struct {
	DatabaseURL string `validate:"required"`
	HTTPAddr    string `validate:"required"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	// RedisURL enables the processed-event cache when set.
	RedisURL          string
	ProcessedCacheTTL time.Duration `validate:"gte=0"`

	KafkaBrokers    []string `validate:"dive,hostname_port"`
	KafkaTopic      string   `validate:"required_with=KafkaBrokers"`
	KafkaGroupID    string   `validate:"required_with=KafkaBrokers"`
	DeadLetterTopic string

	MaxAttempts  int           `validate:"min=1"`
	BackoffBase  time.Duration `validate:"gt=0"`
	BackoffCap   time.Duration `validate:"gtefield=BackoffBase"`
	PollInterval time.Duration `validate:"gt=0"`
	PollBatch    int           `validate:"min=1"`
	OrphanGrace  time.Duration `validate:"gt=0"`

	RedeliveryRPS   float64 `validate:"gt=0"`
	RedeliveryBurst int     `validate:"min=1"`

	// MinorUnitsPerCredit converts invoice amounts into credits when the
	// invoice carries no credits metadata. Zero disables the conversion.
	MinorUnitsPerCredit int64 `validate:"gte=0"`
}

func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		ProcessedCacheTTL: 72 * time.Hour,
		KafkaGroupID:      "settle",
		MaxAttempts:       5,
		BackoffBase:       60 * time.Second,
		BackoffCap:        time.Hour,
		PollInterval:      5 * time.Second,
		PollBatch:         100,
		OrphanGrace:       5 * time.Minute,
		RedeliveryRPS:     20,
		RedeliveryBurst:   5,
	}
}

// Load reads .env if present, overlays the environment on Default and validates.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function such as os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	r := reader{lookup: lookup}

	c.DatabaseURL = r.str("DATABASE_URL", c.DatabaseURL)
	c.HTTPAddr = r.str("ADDR", c.HTTPAddr)
	c.LogLevel = strings.ToLower(r.str("LOG_LEVEL", c.LogLevel))
	c.RedisURL = r.str("REDIS_URL", c.RedisURL)
	c.ProcessedCacheTTL = r.duration("PROCESSED_CACHE_TTL", c.ProcessedCacheTTL)
	c.KafkaBrokers = r.list("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = r.str("KAFKA_TOPIC", c.KafkaTopic)
	c.KafkaGroupID = r.str("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.DeadLetterTopic = r.str("KAFKA_DEAD_LETTER_TOPIC", c.DeadLetterTopic)
	c.MaxAttempts = r.int("WEBHOOK_MAX_RETRIES", c.MaxAttempts)
	c.BackoffBase = r.duration("WEBHOOK_RETRY_BASE", c.BackoffBase)
	c.BackoffCap = r.duration("WEBHOOK_RETRY_CAP", c.BackoffCap)
	c.PollInterval = r.duration("REDELIVERY_POLL_INTERVAL", c.PollInterval)
	c.PollBatch = r.int("REDELIVERY_BATCH_SIZE", c.PollBatch)
	c.OrphanGrace = r.duration("REDELIVERY_ORPHAN_GRACE", c.OrphanGrace)
	c.RedeliveryRPS = r.float("REDELIVERY_RPS", c.RedeliveryRPS)
	c.RedeliveryBurst = r.int("REDELIVERY_BURST", c.RedeliveryBurst)
	c.MinorUnitsPerCredit = int64(r.int("MINOR_UNITS_PER_CREDIT", int(c.MinorUnitsPerCredit)))

	if r.err != nil {
		return Config{}, r.err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = c.BackoffBase
	p.MaxInterval = c.BackoffCap
	p.MaxAttempts = c.MaxAttempts
	return p
}

func (c Config) PollerConfig() retry.PollerConfig {
	return retry.PollerConfig{PollInterval: c.PollInterval, BatchSize: c.PollBatch, OrphanGrace: c.OrphanGrace}
}

func (c Config) RateLimiterConfig() resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{RequestsPerSecond: c.RedeliveryRPS, BurstSize: c.RedeliveryBurst}
}

// reader keeps the first parse error so FromEnv can report it once.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key, v string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) list(key string, def []string) []string {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
