package backup

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/vadiminshakov/gowal"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/types"
)

const walKeyPrefix = "balance:"

// WALConfig configures the on-disk local tier. gowal drops its oldest
// segment once MaxSegments is exceeded, so (MaxSegments-1)*SegmentSize must
// exceed the number of wallets kept in the tier.
type WALConfig struct {
	Dir            string
	SegmentSize    int
	MaxSegments    int
	SyncEveryWrite bool
}

// WALTier persists snapshots to a local write-ahead log, so they survive
// process restarts. The newest record per key is indexed in memory and the
// index is rebuilt from the log on open. Keys whose newest record drifts
// towards the oldest retained segment are re-appended, so rotation never
// drops a key that was not rewritten recently.
type WALTier struct {
	mu      sync.RWMutex
	wal     *gowal.Wal
	index   map[string]*list.Element
	order   *list.List // of *walEntry, oldest log position first
	horizon uint64
}

type walEntry struct {
	key     string
	snap    *types.BalanceSnapshot
	payload []byte
	pos     uint64
}

// OpenWALTier opens (or creates) the log under cfg.Dir and replays it
func OpenWALTier(cfg WALConfig) (*WALTier, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal tier: empty directory")
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 1000
	}
	switch {
	case cfg.MaxSegments <= 0:
		cfg.MaxSegments = 20
	case cfg.MaxSegments == 1:
		// a single segment leaves nothing to retain across rotation
		cfg.MaxSegments = 2
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              cfg.Dir,
		Prefix:           "balances_",
		SegmentThreshold: cfg.SegmentSize,
		MaxSegments:      cfg.MaxSegments,
		IsInSyncDiskMode: cfg.SyncEveryWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("init balance WAL: %w", err)
	}

	// records newer than (MaxSegments-1)*SegmentSize always survive rotation;
	// refreshing at half that leaves room for the refresh writes themselves
	horizon := uint64((cfg.MaxSegments-1)*cfg.SegmentSize) / 2
	if horizon == 0 {
		horizon = 1
	}
	t := &WALTier{
		wal:     wal,
		index:   make(map[string]*list.Element),
		order:   list.New(),
		horizon: horizon,
	}

	// Iterator yields records oldest first, so later records replace earlier
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, walKeyPrefix) {
			continue
		}
		var snap types.BalanceSnapshot
		if err := json.Unmarshal(msg.Value, &snap); err != nil {
			// a torn record only loses that one entry
			continue
		}
		t.track(strings.TrimPrefix(msg.Key, walKeyPrefix), &snap, msg.Value, msg.Index)
	}

	if err := t.refreshStale(); err != nil {
		_ = wal.Close()
		return nil, fmt.Errorf("refresh balance WAL: %w", err)
	}
	return t, nil
}

// track records entry as the newest one for key at log position pos
func (t *WALTier) track(key string, snap *types.BalanceSnapshot, payload []byte, pos uint64) {
	if el, ok := t.index[key]; ok {
		e := el.Value.(*walEntry)
		e.snap, e.payload, e.pos = snap, payload, pos
		t.order.MoveToBack(el)
		return
	}
	t.index[key] = t.order.PushBack(&walEntry{key: key, snap: snap, payload: payload, pos: pos})
}

// appendLocked writes one record and indexes it. Callers hold t.mu.
func (t *WALTier) appendLocked(key string, snap *types.BalanceSnapshot, payload []byte) error {
	pos := t.wal.CurrentIndex() + 1
	if err := t.wal.Write(pos, walKeyPrefix+key, payload); err != nil {
		return err
	}
	t.track(key, snap, payload, pos)
	return nil
}

// refreshStale re-appends the oldest entries until the oldest one sits
// within the horizon, touching each key at most once. Callers hold t.mu.
func (t *WALTier) refreshStale() error {
	for i, n := 0, t.order.Len(); i < n; i++ {
		e := t.order.Front().Value.(*walEntry)
		if t.wal.CurrentIndex()-e.pos < t.horizon {
			return nil
		}
		if err := t.appendLocked(e.key, e.snap, e.payload); err != nil {
			return err
		}
	}
	return nil
}

// Source implements Tier
func (t *WALTier) Source() types.Source { return types.SourceLocal }

// Get implements Tier
func (t *WALTier) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.wal == nil {
		return nil, apperrors.NewTierError(string(types.SourceLocal), "get", fmt.Errorf("wal closed"))
	}
	el, ok := t.index[key.String()]
	if !ok {
		return nil, nil
	}
	return el.Value.(*walEntry).snap.Clone(), nil
}

// Set implements Tier
func (t *WALTier) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return apperrors.NewTierError(string(types.SourceLocal), "encode", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wal == nil {
		return apperrors.NewTierError(string(types.SourceLocal), "set", fmt.Errorf("wal closed"))
	}
	if err := t.appendLocked(key.String(), snap.Clone(), payload); err != nil {
		return apperrors.NewTierError(string(types.SourceLocal), "set", err)
	}
	if err := t.refreshStale(); err != nil {
		return apperrors.NewTierError(string(types.SourceLocal), "refresh", err)
	}
	return nil
}

// Close closes the underlying log
func (t *WALTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wal == nil {
		return nil
	}
	err := t.wal.Close()
	t.wal = nil
	return err
}
