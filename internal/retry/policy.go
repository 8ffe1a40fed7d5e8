package retry

import (
	"math"
	"time"
)

// Policy bounds how often a failing event is retried.
//
// Backoff for attempt n (n >= 2) is InitialInterval * Multiplier^(n-2), capped at
// MaxInterval. MaxAttempts is the retry ceiling: the attempt that reaches it and
// fails dead-letters the event.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 60 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		MaxAttempts:     5,
	}
}

// Backoff returns the delay scheduled when the given attempt begins.
// The first attempt has no delay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.InitialInterval) * math.Pow(multiplier, float64(attempt-2))

	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	return time.Duration(delay)
}
