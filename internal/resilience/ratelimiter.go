// Package resilience provides rate limiting and circuit breaking around event processing.
//
// This package uses:
//   - golang.org/x/time/rate: token bucket limiter throttling redeliveries.
//   - github.com/sony/gobreaker: circuit breaker guarding processing per event type.
package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 20,
		BurstSize:         5,
	}
}

// RateLimiterManager maintains one token bucket per key (an event type), so a
// backlog of one type cannot starve redelivery of the others.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the limiter for key, creating one if needed.
func (m *RateLimiterManager) GetLimiter(key string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[key]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for key may proceed right now.
func (m *RateLimiterManager) Allow(key string) bool {
	return m.GetLimiter(key).Allow()
}

// Delay returns how long the caller would wait before key is allowed again,
// without consuming a token.
func (m *RateLimiterManager) Delay(key string) time.Duration {
	reservation := m.GetLimiter(key).Reserve()
	if !reservation.OK() {
		return 0
	}
	delay := reservation.Delay()
	reservation.Cancel()
	return delay
}
