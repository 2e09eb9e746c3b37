package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/types"
)

const defaultWriteTimeout = 5 * time.Second

// SharedCache is the cross-process cache holding the last chain read per key
type SharedCache interface {
	Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error)
	Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot, ttl time.Duration) error
}

// WriterConfig configures the backup writer
type WriterConfig struct {
	Timeout  time.Duration // budget for one fan-out, detached from the caller
	CacheTTL time.Duration // zero uses the cache default
}

// Writer fans a fresh snapshot out to the shared cache and every tier.
// Persist never blocks the caller; each target succeeds or fails on its own.
type Writer struct {
	cache  SharedCache
	tiers  []Tier
	cfg    WriterConfig
	log    *logging.Logger
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewWriter creates a backup writer. cache may be nil when Redis is disabled.
func NewWriter(cache SharedCache, tiers []Tier, cfg WriterConfig, log *logging.Logger) *Writer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWriteTimeout
	}
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Writer{
		cache: cache,
		tiers: tiers,
		cfg:   cfg,
		log:   log.WithField("component", "backup_writer"),
	}
}

// Persist schedules the snapshot to be written everywhere and returns at once
func (w *Writer) Persist(key types.BalanceKey, snap *types.BalanceSnapshot) {
	if snap == nil {
		return
	}
	snap = snap.Clone()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		w.persist(ctx, key, snap)
	}()
}

// PersistSync writes to every target and waits. Used by tooling and tests.
func (w *Writer) PersistSync(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) map[types.Source]error {
	return w.persist(ctx, key, snap.Clone())
}

func (w *Writer) persist(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) map[types.Source]error {
	var (
		mu      sync.Mutex
		results = make(map[types.Source]error, len(w.tiers)+1)
		wg      sync.WaitGroup
	)

	record := func(target types.Source, err error) {
		mu.Lock()
		results[target] = err
		mu.Unlock()
		w.report(key, target, err)
	}

	if w.cache != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(types.SourceSharedCache, guard(func() error {
				return w.cache.Set(ctx, key, snap, w.cfg.CacheTTL)
			}))
		}()
	}

	for _, tier := range w.tiers {
		wg.Add(1)
		go func(tier Tier) {
			defer wg.Done()
			record(tier.Source(), SafeSet(ctx, tier, key, snap))
		}(tier)
	}

	wg.Wait()
	return results
}

func (w *Writer) report(key types.BalanceKey, target types.Source, err error) {
	switch {
	case err == nil:
		metrics.BackupWrites.WithLabelValues(string(target), "ok").Inc()
	case errors.Is(err, ErrNotChainSourced):
		metrics.BackupWrites.WithLabelValues(string(target), "rejected").Inc()
		w.log.WithFields(map[string]interface{}{
			"tier": target,
			"key":  key.String(),
		}).Debug("Tier rejected non-chain snapshot")
	default:
		metrics.BackupWrites.WithLabelValues(string(target), "error").Inc()
		metrics.TierErrors.WithLabelValues(string(target), "set").Inc()
		w.log.WithFields(map[string]interface{}{
			"tier": target,
			"key":  key.String(),
		}).WithError(err).Warn("Backup write failed")
	}
}

// Wait blocks until every in-flight Persist has finished
func (w *Writer) Wait() {
	w.wg.Wait()
}

// Close stops accepting new writes and waits for in-flight ones until ctx ends
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backup writer: %w", ctx.Err())
	}
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
