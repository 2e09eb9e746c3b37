// Package ratelimit coordinates chain provider request budgets across every
// sentinel instance through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 20
	DefaultReservedBudget = 8
	DefaultWindowSize     = time.Second
)

// Redis key prefixes for budget windows.
const (
	KeyPrefixTotal    = "budget:total:"
	KeyPrefixReserved = "budget:reserved:"
	KeyPrefixShared   = "budget:shared:"
)

// Priority selects the budget pool a request draws from.
type Priority int

const (
	// PriorityInteractive is for balance reads made on behalf of a client.
	// It draws from the reserved pool.
	PriorityInteractive Priority = iota
	// PriorityBackground is for scheduled sweeps. It draws from the shared pool.
	PriorityBackground
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority marks every provider call made under ctx with p.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority carried by ctx. Unmarked contexts are
// interactive.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityInteractive
}

// consumeScript atomically checks both the total and the pool counter of the
// current window and increments them only when both have room.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local units = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + units > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + units > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, units)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, units)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + units, poolUsed + units}
`)

// Budget is a fixed-window request budget split into a reserved pool for
// interactive reads and a shared pool for background work.
type Budget struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetConfig holds configuration for the budget.
type BudgetConfig struct {
	// Redis is shared by every instance drawing from the budget. Required.
	Redis redis.Cmdable

	// TotalBudget is the number of request units per window. Default: 20.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only interactive reads may
	// use. Default: 8.
	ReservedBudget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration
}

// Usage is the consumption of the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
		if reserved > total {
			reserved = total
		}
	}
	return total, reserved
}

// NewBudget creates a budget. Returns an error if the configuration is invalid.
func NewBudget(cfg BudgetConfig) (*Budget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget configuration: %w", err)
	}

	total, reserved := cfg.budgets()
	window := cfg.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}

	return &Budget{
		redis:          cfg.Redis,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     window,
		keyTTL:         2 * window,
		now:            time.Now,
	}, nil
}

// windowStart returns the start of the window containing now, aligned to the
// window size.
func (b *Budget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func keys(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume takes units from the pool of priority. When the pool or the
// total is exhausted it returns false and the time left in the window.
// A Redis failure denies the request.
func (b *Budget) TryConsume(ctx context.Context, units int, priority Priority) (bool, time.Duration, error) {
	if units <= 0 {
		return true, 0, nil
	}

	window := b.windowStart()
	totalKey, reservedKey, sharedKey := keys(window)

	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityInteractive {
		poolKey, poolBudget = reservedKey, b.reservedBudget
	}

	ttl := int(b.keyTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		units, b.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil {
		return false, b.untilNextWindow(window), fmt.Errorf("consume budget: %w", err)
	}
	if result[0] != 1 {
		return false, b.untilNextWindow(window), nil
	}
	return true, 0, nil
}

// untilNextWindow returns the time until the window after window starts.
func (b *Budget) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage returns the consumption of the current window.
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	window := b.windowStart()
	totalKey, reservedKey, sharedKey := keys(window)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	// missing keys come back as redis.Nil and count as zero
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    window,
	}, nil
}

func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
