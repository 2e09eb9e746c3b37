// Package circuitbreaker guards upstream calls with sony/gobreaker so a chain
// outage is detected once and subsequent calls fail fast.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when too many requests are made in half-open state
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      uint32        // consecutive failures before opening
	Timeout          time.Duration // time spent open before probing
	Interval         time.Duration // closed-state counter reset period, 0 = never
	HalfOpenMaxCalls uint32
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		Interval:         time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker wraps a gobreaker.CircuitBreaker
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	maxFailures := config.MaxFailures
	if maxFailures == 0 {
		maxFailures = 1
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxCalls,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// a caller giving up is not an upstream failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
			logging.WithFields(map[string]interface{}{
				"circuitBreaker": name,
				"from":           fromGobreaker(from),
				"to":             fromGobreaker(to),
			}).Warn("Circuit breaker state changed")
		},
	}

	metrics.BreakerState.WithLabelValues(config.Name).Set(0)
	return &CircuitBreaker{name: config.Name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn with circuit breaker protection
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w", b.name, ErrTooManyRequests)
	}
	return err
}

// Name returns the breaker name
func (b *CircuitBreaker) Name() string {
	return b.name
}

// GetState returns the current state of the circuit breaker
func (b *CircuitBreaker) GetState() State {
	return fromGobreaker(b.cb.State())
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name                 string `json:"name"`
	State                State  `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"totalSuccesses"`
	TotalFailures        uint32 `json:"totalFailures"`
	ConsecutiveFailures  uint32 `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32 `json:"consecutiveSuccesses"`
}

// GetStats returns statistics about the circuit breaker
func (b *CircuitBreaker) GetStats() *Stats {
	counts := b.cb.Counts()
	return &Stats{
		Name:                 b.name,
		State:                b.GetState(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerManager manages one breaker per upstream
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (cbm *CircuitBreakerManager) GetOrCreate(name string, config *Config) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if cb, exists := cbm.breakers[name]; exists {
		return cb
	}

	if config == nil {
		config = DefaultConfig(name)
	}
	config.Name = name

	cb := NewCircuitBreaker(config)
	cbm.breakers[name] = cb
	return cb
}

// GetAllStats returns statistics for all circuit breakers
func (cbm *CircuitBreakerManager) GetAllStats() map[string]*Stats {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()

	result := make(map[string]*Stats, len(cbm.breakers))
	for name, cb := range cbm.breakers {
		result[name] = cb.GetStats()
	}
	return result
}
