package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/balance-sentinel/internal/adapter"
	"github.com/balance-sentinel/internal/backup"
	"github.com/balance-sentinel/internal/circuitbreaker"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/tracing"
	"github.com/balance-sentinel/internal/types"
)

// Persister receives every fresh chain snapshot
type Persister interface {
	Persist(key types.BalanceKey, snap *types.BalanceSnapshot)
}

// ResolverConfig configures the balance resolver
type ResolverConfig struct {
	ChainTimeout  time.Duration
	MaxStaleness  time.Duration            // cache entries older than this are skipped
	NativeSymbols map[types.Network]string // native coin symbol per network
}

// Resolution is a resolved snapshot with the steps that produced it
type Resolution struct {
	Snapshot *types.BalanceSnapshot `json:"snapshot"`
	Attempts []types.Attempt        `json:"attempts"`
	Duration time.Duration          `json:"durationNs"`
}

// Resolver walks chain, shared cache, backup tiers and the emergency table in
// order and returns the first usable snapshot. It never fails.
type Resolver struct {
	chain   adapter.ChainClient
	cache   backup.SharedCache
	backups *backup.Chain
	writer  Persister
	cfg     ResolverConfig
	group   singleflight.Group
	now     func() time.Time
	log     *logging.Logger
}

// NewResolver creates a resolver. cache, backups and writer may be nil.
func NewResolver(chain adapter.ChainClient, cache backup.SharedCache, backups *backup.Chain, writer Persister, cfg ResolverConfig, log *logging.Logger) *Resolver {
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = 8 * time.Second
	}
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	if backups == nil {
		backups = backup.NewChain(log)
	}
	return &Resolver{
		chain:   chain,
		cache:   cache,
		backups: backups,
		writer:  writer,
		cfg:     cfg,
		now:     time.Now,
		log:     log.WithField("component", "resolver"),
	}
}

// Resolve returns the best available snapshot for key
func (r *Resolver) Resolve(ctx context.Context, key types.BalanceKey) *types.BalanceSnapshot {
	return r.ResolveDetailed(ctx, key).Snapshot
}

// ResolveDetailed is Resolve plus the per-step diagnostics
func (r *Resolver) ResolveDetailed(ctx context.Context, key types.BalanceKey) (res *Resolution) {
	start := r.now()
	ctx, span := tracing.Tracer("resolver").Start(ctx, "resolver.resolve",
		trace.WithAttributes(
			attribute.String("user", key.UserID),
			attribute.String("network", string(key.Network)),
		),
	)
	res = &Resolution{}

	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("key", key.String()).Errorf("Resolver panic: %v", p)
			span.RecordError(fmt.Errorf("panic: %v", p))
			span.SetStatus(codes.Error, "panic")
			res.Snapshot = EmergencySnapshot(key, r.now())
			res.Attempts = append(res.Attempts, types.Attempt{Source: types.SourceEmergency, Outcome: types.OutcomeHit})
		}
		res.Duration = r.now().Sub(start)
		source := string(res.Snapshot.Source)
		metrics.ResolutionsTotal.WithLabelValues(source).Inc()
		metrics.ResolveLatency.WithLabelValues(source).Observe(res.Duration.Seconds())
		span.SetAttributes(attribute.String("source", source))
		span.End()
	}()

	snap, attempt := r.fromChain(ctx, key)
	res.Attempts = append(res.Attempts, attempt)
	if snap != nil {
		res.Snapshot = snap
		return res
	}

	snap, attempt = r.fromCache(ctx, key)
	res.Attempts = append(res.Attempts, attempt)
	if snap != nil {
		res.Snapshot = snap
		return res
	}

	snap, attempts := r.backups.Lookup(ctx, key)
	res.Attempts = append(res.Attempts, attempts...)
	if snap != nil {
		res.Snapshot = snap
		return res
	}

	r.log.WithFields(map[string]interface{}{
		"key":      key.String(),
		"attempts": len(res.Attempts),
	}).Warn("Every balance source failed, serving emergency snapshot")
	res.Snapshot = EmergencySnapshot(key, r.now())
	res.Attempts = append(res.Attempts, types.Attempt{Source: types.SourceEmergency, Outcome: types.OutcomeHit})
	return res
}

// fromChain fetches from the chain client. Concurrent resolves of the same
// key share one fetch, and a result that misses the deadline is dropped.
func (r *Resolver) fromChain(ctx context.Context, key types.BalanceKey) (snap *types.BalanceSnapshot, attempt types.Attempt) {
	attempt = types.Attempt{Source: types.SourceChain}
	start := r.now()
	defer func() { attempt.Duration = r.now().Sub(start) }()

	if r.chain == nil {
		attempt.Outcome = types.OutcomeSkipped
		return nil, attempt
	}

	ch := r.group.DoChan(key.String(), func() (interface{}, error) {
		// detached so one caller giving up does not cancel the shared fetch
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ChainTimeout)
		defer cancel()
		return r.fetch(fetchCtx, key)
	})

	deadline := time.NewTimer(r.cfg.ChainTimeout)
	defer deadline.Stop()

	var result singleflight.Result
	select {
	case result = <-ch:
	case <-deadline.C:
		result.Err = adapter.ErrProviderTimeout
	case <-ctx.Done():
		result.Err = ctx.Err()
	}

	if result.Err != nil {
		attempt.Outcome = types.OutcomeError
		if errors.Is(result.Err, circuitbreaker.ErrCircuitOpen) || errors.Is(result.Err, circuitbreaker.ErrTooManyRequests) {
			attempt.Outcome = types.OutcomeSkipped
		}
		attempt.Error = result.Err.Error()
		r.log.WithFields(map[string]interface{}{
			"key":     key.String(),
			"outcome": attempt.Outcome,
		}).WithError(result.Err).Warn("Chain fetch unusable")
		return nil, attempt
	}

	attempt.Outcome = types.OutcomeHit
	// callers sharing the fetch each get their own copy
	return result.Val.(*types.BalanceSnapshot).Clone(), attempt
}

func (r *Resolver) fetch(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	raw, err := r.chain.FetchBalances(ctx, key.Address, key.Network)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("chain result arrived after deadline: %w", ctx.Err())
	}

	snap, err := adapter.Normalize(key.Address, key.Network, r.nativeSymbol(key.Network), raw, r.now())
	if err != nil {
		return nil, err
	}
	if snap.IsEmpty() {
		return nil, fmt.Errorf("chain returned no balances for %s", key.String())
	}

	if r.writer != nil {
		r.writer.Persist(key, snap)
	}
	return snap, nil
}

func (r *Resolver) fromCache(ctx context.Context, key types.BalanceKey) (snap *types.BalanceSnapshot, attempt types.Attempt) {
	attempt = types.Attempt{Source: types.SourceSharedCache}
	start := r.now()
	defer func() { attempt.Duration = r.now().Sub(start) }()

	if r.cache == nil {
		attempt.Outcome = types.OutcomeSkipped
		return nil, attempt
	}
	if err := ctx.Err(); err != nil {
		attempt.Outcome = types.OutcomeSkipped
		attempt.Error = err.Error()
		return nil, attempt
	}

	defer func() {
		if p := recover(); p != nil {
			snap = nil
			attempt.Outcome = types.OutcomeError
			attempt.Error = fmt.Sprintf("panic: %v", p)
			metrics.TierErrors.WithLabelValues(string(types.SourceSharedCache), "get").Inc()
		}
	}()

	cached, err := r.cache.Get(ctx, key)
	if err == nil && cached != nil {
		err = cached.Validate()
	}
	switch {
	case err != nil:
		attempt.Outcome = types.OutcomeError
		attempt.Error = err.Error()
		metrics.TierErrors.WithLabelValues(string(types.SourceSharedCache), "get").Inc()
		r.log.WithField("key", key.String()).WithError(err).Warn("Shared cache unusable")
		return nil, attempt
	case cached.IsEmpty():
		attempt.Outcome = types.OutcomeMiss
		return nil, attempt
	case r.cfg.MaxStaleness > 0 && r.now().Sub(cached.CapturedAt) > r.cfg.MaxStaleness:
		attempt.Outcome = types.OutcomeStale
		return nil, attempt
	}

	attempt.Outcome = types.OutcomeHit
	return cached.WithSource(types.SourceSharedCache), attempt
}

func (r *Resolver) nativeSymbol(network types.Network) string {
	if sym, ok := r.cfg.NativeSymbols[network]; ok && sym != "" {
		return sym
	}
	for sym := range emergencyBalances[network] {
		return sym
	}
	return string(network)
}
