package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/types"
)

// ProviderHealth represents the health status of one chain client
type ProviderHealth struct {
	Name             string        `json:"name"`
	TotalRequests    int64         `json:"totalRequests"`
	SuccessfulReqs   int64         `json:"successfulRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	LastError        string        `json:"lastError,omitempty"`
	ConsecutiveFails int           `json:"consecutiveFails"`
}

// Provider is a named chain client tracked by FailoverClient
type Provider struct {
	Name   string
	Client ChainClient

	mu               sync.RWMutex
	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	lastError        string
	consecutiveFails int
}

// NewProvider names a chain client
func NewProvider(name string, client ChainClient) *Provider {
	return &Provider{Name: name, Client: client}
}

// RecordSuccess records a successful request for health tracking
func (p *Provider) RecordSuccess(duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.successfulReqs++
	p.totalLatency += duration
	p.lastSuccess = time.Now()
	p.consecutiveFails = 0
}

// RecordFailure records a failed request for health tracking
func (p *Provider) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.failedReqs++
	p.lastFailure = time.Now()
	p.consecutiveFails++
	if err != nil {
		p.lastError = err.Error()
	}
}

// GetHealth returns the current health status of the provider
func (p *Provider) GetHealth() *ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var successRate float64
	if p.totalRequests > 0 {
		successRate = float64(p.successfulReqs) / float64(p.totalRequests)
	}

	var avgLatency time.Duration
	if p.successfulReqs > 0 {
		avgLatency = p.totalLatency / time.Duration(p.successfulReqs)
	}

	return &ProviderHealth{
		Name:             p.Name,
		TotalRequests:    p.totalRequests,
		SuccessfulReqs:   p.successfulReqs,
		FailedReqs:       p.failedReqs,
		SuccessRate:      successRate,
		AverageLatency:   avgLatency,
		LastSuccess:      p.lastSuccess,
		LastFailure:      p.lastFailure,
		LastError:        p.lastError,
		ConsecutiveFails: p.consecutiveFails,
	}
}

// FailoverClient tries providers in order until one answers.
// All attempts share the caller's deadline.
type FailoverClient struct {
	providers []*Provider
}

// NewFailoverClient creates a failover client over providers
func NewFailoverClient(providers ...*Provider) *FailoverClient {
	return &FailoverClient{providers: providers}
}

// FetchBalances returns the first successful provider answer
func (f *FailoverClient) FetchBalances(ctx context.Context, address string, network types.Network) (*RawBalances, error) {
	if len(f.providers) == 0 {
		return nil, NewAdapterError(network, "failover", ErrProviderUnavailable, nil)
	}

	log := logging.FromContext(ctx)
	var errs []error
	for _, p := range f.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrProviderTimeout, err))
			return nil, upstreamError("failover", errors.Join(errs...))
		}

		start := time.Now()
		raw, err := p.Client.FetchBalances(ctx, address, network)
		if err == nil {
			p.RecordSuccess(time.Since(start))
			return raw, nil
		}

		// an unconfigured network is not a provider failure
		if !errors.Is(err, ErrUnsupportedNetwork) {
			p.RecordFailure(err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))

		if errors.Is(err, ErrInvalidAddress) {
			return nil, errors.Join(errs...)
		}
		log.WithFields(map[string]interface{}{
			"provider": p.Name,
			"network":  network,
		}).WithError(err).Debug("Chain provider failed, trying next")
	}

	return nil, apperrors.NewUpstreamError("failover", errors.Join(errs...))
}

// Health returns the health of every provider
func (f *FailoverClient) Health() []*ProviderHealth {
	out := make([]*ProviderHealth, 0, len(f.providers))
	for _, p := range f.providers {
		out = append(out, p.GetHealth())
	}
	return out
}
