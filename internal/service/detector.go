package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/balance-sentinel/internal/amount"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/tracing"
	"github.com/balance-sentinel/internal/types"
)

// DetectorState is the per-user position in a detection cycle
type DetectorState string

const (
	// StateIdle means no cycle is running for the user
	StateIdle DetectorState = "idle"
	// StateResolving means the current snapshot is being resolved
	StateResolving DetectorState = "resolving"
	// StateDiffing means the snapshot is being compared with the baseline
	StateDiffing DetectorState = "diffing"
	// StateEmitting means change events are being handed to the sink
	StateEmitting DetectorState = "emitting"
)

// SnapshotResolver resolves the current snapshot of a key
type SnapshotResolver interface {
	Resolve(ctx context.Context, key types.BalanceKey) *types.BalanceSnapshot
}

// NotificationSink receives change events
type NotificationSink interface {
	Emit(ctx context.Context, event types.ChangeEvent) error
}

// WalletResult is what one cycle did for one wallet
type WalletResult struct {
	Key            types.BalanceKey `json:"key"`
	Source         types.Source     `json:"source"`
	ColdStart      bool             `json:"coldStart"`
	Changes        int              `json:"changes"` // tokens with a nonzero delta
	Events         int              `json:"events"`
	BaselineStored bool             `json:"baselineStored"`
	Skipped        string           `json:"skipped,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// CycleResult is the outcome of one detection cycle for one user
type CycleResult struct {
	UserID       string              `json:"userId"`
	CycleID      string              `json:"cycleId"`
	StartedAt    time.Time           `json:"startedAt"`
	Duration     time.Duration       `json:"durationNs"`
	Threshold    string              `json:"thresholdPercent"`
	Wallets      []WalletResult      `json:"wallets"`
	Events       []types.ChangeEvent `json:"events"`
	SinkFailures int                 `json:"sinkFailures"`
}

// Detector diffs each tracked wallet against its baseline and emits change
// events for significant moves
type Detector struct {
	resolver  SnapshotResolver
	baselines BaselineStore
	sink      NotificationSink
	threshold *ThresholdConfig
	now       func() time.Time
	log       *logging.Logger

	mu     sync.RWMutex
	states map[string]DetectorState
}

// NewDetector creates a change detector
func NewDetector(resolver SnapshotResolver, baselines BaselineStore, sink NotificationSink, threshold *ThresholdConfig, log *logging.Logger) *Detector {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Detector{
		resolver:  resolver,
		baselines: baselines,
		sink:      sink,
		threshold: threshold,
		now:       time.Now,
		log:       log.WithField("component", "detector"),
		states:    make(map[string]DetectorState),
	}
}

// State returns the current state of a user's cycle
func (d *Detector) State(userID string) DetectorState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.states[userID]; ok {
		return s
	}
	return StateIdle
}

// States returns every user not currently idle
func (d *Detector) States() map[string]DetectorState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]DetectorState, len(d.states))
	for k, v := range d.states {
		out[k] = v
	}
	return out
}

func (d *Detector) setState(userID string, s DetectorState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s == StateIdle {
		delete(d.states, userID)
		return
	}
	d.states[userID] = s
}

// CheckUser runs one detection cycle for user. Sink failures are logged and
// counted; the returned error only reports baseline store failures, and the
// remaining wallets are still processed.
func (d *Detector) CheckUser(ctx context.Context, user types.TrackedUser) (*CycleResult, error) {
	if err := user.Validate(); err != nil {
		return nil, err
	}

	result := &CycleResult{
		UserID:    user.UserID,
		CycleID:   uuid.NewString(),
		StartedAt: d.now().UTC(),
	}
	// read once so every wallet in the cycle uses the same value
	threshold := d.threshold.Get()
	result.Threshold = threshold.String()

	ctx, span := tracing.Tracer("detector").Start(ctx, "detector.checkUser",
		trace.WithAttributes(
			attribute.String("user", user.UserID),
			attribute.String("cycle", result.CycleID),
		),
	)
	defer span.End()
	defer d.setState(user.UserID, StateIdle)

	log := d.log.WithFields(map[string]interface{}{
		"user":  user.UserID,
		"cycle": result.CycleID,
	})

	var errs []error
	for _, key := range user.Keys() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			result.Wallets = append(result.Wallets, WalletResult{Key: key, Skipped: "cancelled"})
			continue
		}
		wr, events, err := d.checkWallet(ctx, log, result, key, threshold)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key.String(), err))
		}
		result.Wallets = append(result.Wallets, wr)
		result.Events = append(result.Events, events...)
	}

	result.Duration = d.now().Sub(result.StartedAt)
	metrics.DetectorCycleLatency.Observe(result.Duration.Seconds())

	err := errors.Join(errs...)
	if err != nil {
		metrics.DetectorCycles.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	metrics.DetectorCycles.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("events", len(result.Events)))
	return result, nil
}

func (d *Detector) checkWallet(ctx context.Context, log *logging.Logger, cycle *CycleResult, key types.BalanceKey, threshold decimal.Decimal) (WalletResult, []types.ChangeEvent, error) {
	wr := WalletResult{Key: key}

	d.setState(key.UserID, StateResolving)
	current := d.resolver.Resolve(ctx, key)
	wr.Source = current.Source

	d.setState(key.UserID, StateDiffing)
	baseline, err := d.baselines.Load(ctx, key)
	if err != nil {
		wr.Error = err.Error()
		log.WithField("key", key.String()).WithError(err).Error("Failed to load baseline")
		return wr, nil, err
	}

	var events []types.ChangeEvent
	if baseline == nil || baseline.Snapshot == nil {
		wr.ColdStart = true
	} else {
		deltas := Diff(baseline.Snapshot, current, threshold)
		wr.Changes = len(deltas)
		// the emergency table says nothing about this wallet; emitting would
		// report every holding as dropped to zero
		if current.Source == types.SourceEmergency {
			if len(deltas) > 0 {
				wr.Skipped = "events suppressed, only the emergency snapshot is available"
				log.WithField("key", key.String()).Warn("Suppressing change events, only the emergency snapshot is available")
			}
		} else {
			events = d.emit(ctx, log, cycle, key, baseline.Snapshot, current, deltas)
			wr.Events = len(events)
		}
	}

	stored, err := d.baselines.Store(ctx, key, &types.Baseline{
		Snapshot:       current,
		CycleID:        cycle.CycleID,
		CycleStartedAt: cycle.StartedAt,
	})
	if err != nil {
		wr.Error = err.Error()
		log.WithField("key", key.String()).WithError(err).Error("Failed to store baseline")
		return wr, events, err
	}
	wr.BaselineStored = stored
	if !stored {
		log.WithField("key", key.String()).Debug("Baseline kept, a newer cycle already stored one")
	}
	return wr, events, nil
}

// emit sends one event per significant token. Identity within a cycle is
// (user, network, token), so a token is never emitted twice.
func (d *Detector) emit(ctx context.Context, log *logging.Logger, cycle *CycleResult, key types.BalanceKey, previous, current *types.BalanceSnapshot, deltas []TokenDelta) []types.ChangeEvent {
	var events []types.ChangeEvent
	seen := make(map[string]bool, len(deltas))

	for _, delta := range deltas {
		if !delta.Significant || seen[delta.Token] {
			continue
		}
		seen[delta.Token] = true

		d.setState(key.UserID, StateEmitting)
		event := types.ChangeEvent{
			ID:             uuid.NewString(),
			UserID:         key.UserID,
			Address:        key.Address,
			Network:        key.Network,
			Token:          delta.Token,
			PreviousAmount: amount.Format(delta.Previous),
			CurrentAmount:  amount.Format(delta.Current),
			Delta:          amount.Format(delta.Delta),
			Direction:      delta.Direction(),
			BaselineSource: previous.Source,
			CurrentSource:  current.Source,
			CycleID:        cycle.CycleID,
			DetectedAt:     d.now().UTC(),
		}

		if err := d.safeEmit(ctx, event); err != nil {
			cycle.SinkFailures++
			metrics.SinkFailures.WithLabelValues("detector").Inc()
			log.WithFields(map[string]interface{}{
				"token":     event.Token,
				"direction": event.Direction,
			}).WithError(err).Error("Failed to hand change event to sink")
			continue
		}
		metrics.ChangeEvents.WithLabelValues(string(key.Network), string(event.Direction)).Inc()
		events = append(events, event)
	}
	return events
}

func (d *Detector) safeEmit(ctx context.Context, event types.ChangeEvent) (err error) {
	if d.sink == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	return d.sink.Emit(ctx, event)
}
