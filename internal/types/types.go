// Package types provides common type definitions for the balance sentinel system.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/balance-sentinel/internal/amount"
)

// Network represents the blockchain network a wallet lives on
type Network string

const (
	// NetworkMainnet represents the production chain
	NetworkMainnet Network = "mainnet"
	// NetworkTestnet represents the test chain
	NetworkTestnet Network = "testnet"
)

// Networks lists every supported network
var Networks = []Network{NetworkMainnet, NetworkTestnet}

// ParseNetwork parses a network name; an empty string defaults to mainnet
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet":
		return NetworkMainnet, nil
	case "testnet":
		return NetworkTestnet, nil
	default:
		return "", &ServiceError{
			Code:    "INVALID_NETWORK",
			Message: fmt.Sprintf("unsupported network: %s", s),
			Details: map[string]interface{}{"network": s},
		}
	}
}

// Source tags where a snapshot's data came from
type Source string

const (
	// SourceChain is a fresh read from the chain explorer or RPC
	SourceChain Source = "chain"
	// SourceSharedCache is a read from the cross-process Redis cache
	SourceSharedCache Source = "sharedCache"
	// SourceSession is the in-process memory tier
	SourceSession Source = "session"
	// SourceLocal is the on-disk write-ahead log tier
	SourceLocal Source = "local"
	// SourceDurable is the Postgres tier
	SourceDurable Source = "durable"
	// SourceLastKnown is the append-only tier holding only chain-sourced data
	SourceLastKnown Source = "lastKnown"
	// SourceEmergency is the hardcoded safety floor
	SourceEmergency Source = "emergency"
)

// IsBackup reports whether the source is one of the backup tiers
func (s Source) IsBackup() bool {
	switch s {
	case SourceSession, SourceLocal, SourceDurable, SourceLastKnown:
		return true
	}
	return false
}

// BalanceKey identifies one wallet of one user on one network
type BalanceKey struct {
	UserID  string  `json:"userId"`
	Address string  `json:"address"`
	Network Network `json:"network"`
}

// NewBalanceKey builds a key with a normalized address
func NewBalanceKey(userID, address string, network Network) BalanceKey {
	return BalanceKey{
		UserID:  strings.TrimSpace(userID),
		Address: strings.ToLower(strings.TrimSpace(address)),
		Network: network,
	}
}

// String renders the key as userId:address:network
func (k BalanceKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.UserID, strings.ToLower(k.Address), k.Network)
}

// Validate checks that every component is present
func (k BalanceKey) Validate() error {
	if k.UserID == "" {
		return fmt.Errorf("balance key: empty user id")
	}
	if k.Address == "" {
		return fmt.Errorf("balance key: empty address")
	}
	if _, err := ParseNetwork(string(k.Network)); err != nil || k.Network == "" {
		return fmt.Errorf("balance key: invalid network %q", k.Network)
	}
	return nil
}

// BalanceSnapshot is the full set of token balances of one wallet at one instant.
// Snapshots are treated as immutable values; use WithSource to re-tag a copy.
type BalanceSnapshot struct {
	Address    string            `json:"address"`
	Network    Network           `json:"network"`
	Balances   map[string]string `json:"balances"` // symbol -> fixed-point decimal string
	CapturedAt time.Time         `json:"capturedAt"`
	Source     Source            `json:"source"`
}

// Clone returns a deep copy of the snapshot
func (s *BalanceSnapshot) Clone() *BalanceSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Balances = make(map[string]string, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	return &out
}

// WithSource returns a copy of the snapshot tagged with source
func (s *BalanceSnapshot) WithSource(source Source) *BalanceSnapshot {
	out := s.Clone()
	if out != nil {
		out.Source = source
	}
	return out
}

// IsEmpty reports whether the snapshot carries no token entries
func (s *BalanceSnapshot) IsEmpty() bool {
	return s == nil || len(s.Balances) == 0
}

// Symbols returns the token symbols in sorted order
func (s *BalanceSnapshot) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Balances))
	for sym := range s.Balances {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Validate checks the snapshot's structural invariants
func (s *BalanceSnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("nil snapshot")
	}
	if s.Source == "" {
		return fmt.Errorf("snapshot for %s has no source", s.Address)
	}
	for sym, v := range s.Balances {
		if sym == "" {
			return fmt.Errorf("snapshot for %s has an empty token symbol", s.Address)
		}
		if _, err := amount.Parse(v); err != nil {
			return fmt.Errorf("snapshot for %s token %s: %w", s.Address, sym, err)
		}
	}
	return nil
}

// Outcome of one resolution step
type Outcome string

const (
	// OutcomeHit means the step produced the returned snapshot
	OutcomeHit Outcome = "hit"
	// OutcomeMiss means the step had nothing for the key
	OutcomeMiss Outcome = "miss"
	// OutcomeStale means the step had data older than the staleness bound
	OutcomeStale Outcome = "stale"
	// OutcomeError means the step failed and was skipped
	OutcomeError Outcome = "error"
	// OutcomeSkipped means the step was not attempted (e.g. breaker open)
	OutcomeSkipped Outcome = "skipped"
)

// Attempt records one step of a balance resolution
type Attempt struct {
	Source   Source        `json:"source"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// Baseline is the snapshot a detector cycle last observed for a key.
// CycleStartedAt fences writes: a baseline is never replaced by one from an
// older cycle.
type Baseline struct {
	Snapshot       *BalanceSnapshot `json:"snapshot"`
	CycleID        string           `json:"cycleId"`
	CycleStartedAt time.Time        `json:"cycleStartedAt"`
}

// Direction of a balance change
type Direction string

const (
	// DirectionIncrease means the balance went up
	DirectionIncrease Direction = "increase"
	// DirectionDecrease means the balance went down
	DirectionDecrease Direction = "decrease"
)

// ChangeEvent is a detected significant change of one token for one user
type ChangeEvent struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Address        string    `json:"address"`
	Network        Network   `json:"network"`
	Token          string    `json:"token"`
	PreviousAmount string    `json:"previousAmount"`
	CurrentAmount  string    `json:"currentAmount"`
	Delta          string    `json:"delta"` // current - previous, signed
	Direction      Direction `json:"direction"`
	BaselineSource Source    `json:"baselineSource"`
	CurrentSource  Source    `json:"currentSource"`
	CycleID        string    `json:"cycleId"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// TrackedUser is a user whose wallets the detector sweeps
type TrackedUser struct {
	UserID  string         `json:"userId" yaml:"user_id"`
	Wallets []TrackedWallet `json:"wallets" yaml:"wallets"`
}

// TrackedWallet is one wallet of a tracked user
type TrackedWallet struct {
	Address string  `json:"address" yaml:"address"`
	Network Network `json:"network" yaml:"network"`
}

// Validate checks the user has an id and at most one wallet per network.
// Change events are keyed by (user, network, token), so two wallets on the
// same network would make that identity ambiguous.
func (u TrackedUser) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return fmt.Errorf("tracked user: empty user id")
	}
	seen := make(map[Network]bool, len(u.Wallets))
	for _, w := range u.Wallets {
		key := NewBalanceKey(u.UserID, w.Address, w.Network)
		if err := key.Validate(); err != nil {
			return fmt.Errorf("tracked user %s: %w", u.UserID, err)
		}
		if seen[w.Network] {
			return fmt.Errorf("tracked user %s: more than one wallet on %s", u.UserID, w.Network)
		}
		seen[w.Network] = true
	}
	return nil
}

// Keys returns the balance keys of every wallet of the user
func (u TrackedUser) Keys() []BalanceKey {
	keys := make([]BalanceKey, 0, len(u.Wallets))
	for _, w := range u.Wallets {
		keys = append(keys, NewBalanceKey(u.UserID, w.Address, w.Network))
	}
	return keys
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
