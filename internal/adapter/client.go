package adapter

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/types"
)

// ChainClient fetches the raw on-chain balances of one wallet
type ChainClient interface {
	// FetchBalances returns the native coin and token balances of address.
	// Amounts are raw integer strings in the token's smallest unit.
	// Returns error if every provider request fails
	FetchBalances(ctx context.Context, address string, network types.Network) (*RawBalances, error)
}

// RawBalances holds unscaled balances as reported by the chain
type RawBalances struct {
	Native         string
	NativeDecimals int
	Tokens         []RawToken
}

// RawToken is one token entry of RawBalances
type RawToken struct {
	Symbol     string
	Decimals   int
	BalanceRaw string
}

// Common error types for chain clients

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrUnsupportedNetwork indicates no client is configured for the network
	ErrUnsupportedNetwork = fmt.Errorf("unsupported network")

	// ErrProviderUnavailable indicates the data provider is unavailable
	ErrProviderUnavailable = fmt.Errorf("data provider unavailable")

	// ErrProviderRateLimit indicates the provider rate limit was exceeded
	ErrProviderRateLimit = fmt.Errorf("provider rate limit exceeded")

	// ErrProviderTimeout indicates the provider request timed out
	ErrProviderTimeout = fmt.Errorf("provider request timeout")

	// ErrMalformedResponse indicates the provider answered with something unparseable
	ErrMalformedResponse = fmt.Errorf("malformed provider response")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Network types.Network
	Op      string // Operation that failed (e.g., "balance", "tokenlist")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain client error [%s:%s]: %v (details: %+v)", e.Network, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain client error [%s:%s]: %v", e.Network, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(network types.Network, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Network: network,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// upstreamError files a provider failure under the upstream category so
// callers can ask apperrors.IsRetryable. Caller mistakes and unparseable
// answers are returned unchanged.
func upstreamError(provider string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProviderTimeout):
		timeout := apperrors.NewUpstreamTimeoutError(provider)
		timeout.Cause = err
		return timeout
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrProviderRateLimit):
		return apperrors.NewUpstreamError(provider, err)
	default:
		return err
	}
}
