package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/balance-sentinel/internal/adapter"
	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/types"
)

// DefaultMaxWait bounds how long a call waits for budget.
const DefaultMaxWait = 5 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up in time.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for provider budget")

// BudgetedClient draws from a Budget before every fetch of the wrapped
// provider client. The priority comes from the call's context.
type BudgetedClient struct {
	name    string
	next    adapter.ChainClient
	budget  *Budget
	cost    int
	maxWait time.Duration
	log     *logging.Logger
}

// NewBudgetedClient wraps next. cost is the number of units one fetch uses.
func NewBudgetedClient(name string, next adapter.ChainClient, budget *Budget, cost int, maxWait time.Duration, log *logging.Logger) *BudgetedClient {
	if cost <= 0 {
		cost = 1
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &BudgetedClient{
		name:    name,
		next:    next,
		budget:  budget,
		cost:    cost,
		maxWait: maxWait,
		log:     log,
	}
}

// FetchBalances waits for budget, then calls the wrapped client. A call that
// cannot get budget fails with adapter.ErrProviderRateLimit so the failover
// client moves on to the next provider.
func (c *BudgetedClient) FetchBalances(ctx context.Context, address string, network types.Network) (*adapter.RawBalances, error) {
	if err := c.waitForBudget(ctx); err != nil {
		return nil, adapter.NewAdapterError(network, "budget", apperrors.NewUpstreamError(c.name, adapter.ErrProviderRateLimit), map[string]interface{}{
			"provider": c.name,
			"reason":   err.Error(),
		})
	}
	return c.next.FetchBalances(ctx, address, network)
}

// Supports forwards to the wrapped client when it reports network support.
func (c *BudgetedClient) Supports(network types.Network) bool {
	if s, ok := c.next.(interface{ Supports(types.Network) bool }); ok {
		return s.Supports(network)
	}
	return true
}

func (c *BudgetedClient) waitForBudget(ctx context.Context) error {
	priority := PriorityFrom(ctx)
	deadline := time.Now().Add(c.maxWait)
	log := c.log.WithFields(map[string]interface{}{
		"provider": c.name,
		"priority": priority.String(),
		"units":    c.cost,
	})

	waited := false
	for {
		allowed, wait, err := c.budget.TryConsume(ctx, c.cost, priority)
		if err != nil {
			log.WithError(err).Warn("Provider budget unavailable")
		}
		if allowed {
			if waited {
				metrics.BudgetWaits.WithLabelValues(c.name, priority.String(), "delayed").Inc()
			}
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			metrics.BudgetWaits.WithLabelValues(c.name, priority.String(), "refused").Inc()
			log.Debug("Provider budget exhausted")
			return ErrMaxWaitExceeded
		}

		waited = true
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.BudgetWaits.WithLabelValues(c.name, priority.String(), "cancelled").Inc()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
