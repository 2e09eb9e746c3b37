package service

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
)

const thresholdSetting = "percentChangeThreshold"

// ThresholdStore persists the threshold across restarts and processes
type ThresholdStore interface {
	LoadThreshold(ctx context.Context) (string, bool, error)
	SaveThreshold(ctx context.Context, percent string) error
}

// ThresholdConfig holds the process-wide percent change threshold.
// Readers always see a complete value; Set replaces it atomically.
type ThresholdConfig struct {
	percent atomic.Pointer[decimal.Decimal]
	store   ThresholdStore
}

// NewThresholdConfig creates a threshold set to percent
func NewThresholdConfig(percent string) (*ThresholdConfig, error) {
	d, err := parseThreshold(percent)
	if err != nil {
		return nil, err
	}
	t := &ThresholdConfig{}
	t.percent.Store(&d)
	return t, nil
}

// WithStore attaches persistence and loads any previously saved value.
// A saved value that no longer validates is ignored.
func (t *ThresholdConfig) WithStore(ctx context.Context, store ThresholdStore) *ThresholdConfig {
	t.store = store
	saved, ok, err := store.LoadThreshold(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to load saved threshold, keeping configured value")
		return t
	}
	if !ok {
		return t
	}
	d, err := parseThreshold(saved)
	if err != nil {
		logging.FromContext(ctx).WithField("saved", saved).Warn("Ignoring invalid saved threshold")
		return t
	}
	t.percent.Store(&d)
	return t
}

// Get returns the current threshold in percent
func (t *ThresholdConfig) Get() decimal.Decimal {
	return *t.percent.Load()
}

// Set replaces the threshold. A negative value is rejected and the previous
// value stays in effect.
func (t *ThresholdConfig) Set(ctx context.Context, percent decimal.Decimal) error {
	if percent.IsNegative() {
		return apperrors.NewConfigurationError(thresholdSetting, "must be >= 0")
	}
	t.percent.Store(&percent)

	if t.store != nil {
		if err := t.store.SaveThreshold(ctx, percent.String()); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Threshold applied but not persisted")
		}
	}
	return nil
}

// SetString parses and applies percent
func (t *ThresholdConfig) SetString(ctx context.Context, percent string) error {
	d, err := parseThreshold(percent)
	if err != nil {
		return err
	}
	return t.Set(ctx, d)
}

func parseThreshold(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperrors.NewConfigurationError(thresholdSetting, "not a number")
	}
	if d.IsNegative() {
		return decimal.Zero, apperrors.NewConfigurationError(thresholdSetting, "must be >= 0")
	}
	return d, nil
}
