// Package backup implements the ordered backup tiers consulted when neither
// the chain nor the shared cache can answer, and the writer that keeps them
// populated.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/types"
)

// Tier is one storage backend of the backup chain.
// Get returns (nil, nil) when the tier holds nothing for key.
type Tier interface {
	Source() types.Source
	Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error)
	Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error
}

// Chain is the ordered list of tiers, most trusted first
type Chain struct {
	tiers []Tier
	log   *logging.Logger
}

// NewChain creates a chain consulting tiers in the given order
func NewChain(log *logging.Logger, tiers ...Tier) *Chain {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Chain{
		tiers: tiers,
		log:   log.WithField("component", "backup_chain"),
	}
}

// Tiers returns the tiers in priority order
func (c *Chain) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Lookup walks the tiers in order and returns the first usable snapshot,
// re-tagged with the answering tier's source. A tier that errors, panics
// or returns a corrupt snapshot is treated like an empty one.
// Returns nil when every tier comes up empty.
func (c *Chain) Lookup(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, []types.Attempt) {
	attempts := make([]types.Attempt, 0, len(c.tiers))

	for _, tier := range c.tiers {
		if ctx.Err() != nil {
			attempts = append(attempts, types.Attempt{Source: tier.Source(), Outcome: types.OutcomeSkipped, Error: ctx.Err().Error()})
			continue
		}

		start := time.Now()
		snap, err := SafeGet(ctx, tier, key)
		attempt := types.Attempt{Source: tier.Source(), Duration: time.Since(start)}

		if err == nil && snap != nil {
			if verr := snap.Validate(); verr != nil {
				err = apperrors.NewTierError(string(tier.Source()), "decode", verr)
			}
		}

		switch {
		case err != nil:
			attempt.Outcome = types.OutcomeError
			attempt.Error = err.Error()
			metrics.TierErrors.WithLabelValues(string(tier.Source()), "get").Inc()
			c.log.WithFields(map[string]interface{}{
				"tier": tier.Source(),
				"key":  key.String(),
			}).WithError(err).Warn("Backup tier read failed, skipping")
		case snap.IsEmpty():
			attempt.Outcome = types.OutcomeMiss
		default:
			attempt.Outcome = types.OutcomeHit
			attempts = append(attempts, attempt)
			return snap.WithSource(tier.Source()), attempts
		}
		attempts = append(attempts, attempt)
	}

	return nil, attempts
}

// SafeGet calls tier.Get, converting a panic into an error
func SafeGet(ctx context.Context, tier Tier, key types.BalanceKey) (snap *types.BalanceSnapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snap = nil
			err = apperrors.NewTierError(string(tier.Source()), "get", fmt.Errorf("panic: %v", r))
		}
	}()
	return tier.Get(ctx, key)
}

// SafeSet calls tier.Set, converting a panic into an error
func SafeSet(ctx context.Context, tier Tier, key types.BalanceKey, snap *types.BalanceSnapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewTierError(string(tier.Source()), "set", fmt.Errorf("panic: %v", r))
		}
	}()
	return tier.Set(ctx, key, snap)
}

// chainSourcedOnly guards a tier so it only ever stores live chain data
type chainSourcedOnly struct {
	Tier
}

// ErrNotChainSourced is returned when a non-chain snapshot is offered to a
// tier that accepts only chain-sourced data.
var ErrNotChainSourced = errors.New("tier accepts only chain-sourced snapshots")

// ChainSourcedOnly wraps tier so Set rejects snapshots whose source is not chain
func ChainSourcedOnly(tier Tier) Tier {
	return chainSourcedOnly{Tier: tier}
}

func (t chainSourcedOnly) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	if snap == nil || snap.Source != types.SourceChain {
		return ErrNotChainSourced
	}
	return t.Tier.Set(ctx, key, snap)
}
