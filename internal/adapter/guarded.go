package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/balance-sentinel/internal/circuitbreaker"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/types"
)

// GuardedClient puts a per-network circuit breaker in front of a chain client.
// Once a network's breaker opens, fetches fail immediately until the
// cool-off elapses.
type GuardedClient struct {
	next     ChainClient
	breakers *circuitbreaker.CircuitBreakerManager
	trips    uint32
	cooloff  time.Duration
}

// NewGuardedClient wraps next. trips is the number of consecutive failures
// that opens a breaker.
func NewGuardedClient(next ChainClient, trips uint32, cooloff time.Duration) *GuardedClient {
	return &GuardedClient{
		next:     next,
		breakers: circuitbreaker.NewCircuitBreakerManager(),
		trips:    trips,
		cooloff:  cooloff,
	}
}

// FetchBalances calls the wrapped client through the network's breaker
func (g *GuardedClient) FetchBalances(ctx context.Context, address string, network types.Network) (*RawBalances, error) {
	cfg := circuitbreaker.DefaultConfig("chain-" + string(network))
	if g.trips > 0 {
		cfg.MaxFailures = g.trips
	}
	if g.cooloff > 0 {
		cfg.Timeout = g.cooloff
	}
	breaker := g.breakers.GetOrCreate(cfg.Name, cfg)

	start := time.Now()
	var raw *RawBalances
	var callerErr error
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = g.next.FetchBalances(ctx, address, network)
		// a bad address says nothing about upstream health
		if errors.Is(err, ErrInvalidAddress) {
			callerErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = callerErr
	}

	outcome := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		outcome = "open"
	case err != nil:
		outcome = "error"
	}
	metrics.ChainFetchLatency.WithLabelValues(string(network), outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return raw, nil
}

// BreakerStats returns the state of every network breaker
func (g *GuardedClient) BreakerStats() map[string]*circuitbreaker.Stats {
	return g.breakers.GetAllStats()
}
