package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Circuit Breaker Pattern
//
// Processing is guarded per event type. When attempts of one type keep failing
// on infrastructure (storage errors, ledger errors that are not payload
// validation problems), the breaker opens and deliveries of that type are
// turned away without consuming an attempt until the timeout expires.
//
//	[Closed] ---(failure threshold reached)---> [Open]
//	[Open] ---(timeout expires)---> [Half-Open]
//	[Half-Open] ---(success)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  10,
	}
}

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// Gauge returns the numeric form exported as circuit_breaker_state.
func (s CircuitBreakerState) Gauge() float64 {
	switch s {
	case CircuitBreakerStateHalfOpen:
		return 1
	case CircuitBreakerStateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerManager maintains one breaker per key (an event type).
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(key string, from, to CircuitBreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for state transitions. Set it before
// the first Execute.
func (m *CircuitBreakerManager) OnStateChange(fn func(key string, from, to CircuitBreakerState)) {
	m.onStateChange = fn
}

// GetBreaker returns the breaker for key, creating one if needed.
func (m *CircuitBreakerManager) GetBreaker(key string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[key]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[key]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker for key. While open it returns an
// error satisfying IsOpen without calling fn. The value fn returns is passed
// through even when fn also returns an error.
func (m *CircuitBreakerManager) Execute(key string, fn func() (any, error)) (any, error) {
	return m.GetBreaker(key).Execute(fn)
}

// State returns the current state of the breaker for key.
func (m *CircuitBreakerManager) State(key string) CircuitBreakerState {
	return toState(m.GetBreaker(key).State())
}

// IsOpen reports whether err is a breaker refusal rather than a failure of fn.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitBreakerStateClosed
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}
