package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/balance-sentinel/internal/types"
)

const minSoundInterval = 2 * time.Second

// Throttler turns events into notifications. Each user gets at most one sound
// per interval, and an identical transition seen again inside the burst
// window is dropped.
type Throttler struct {
	interval time.Duration
	recent   *cache.Cache

	// idle users are forgotten; a limiter left alone for one interval is
	// back to a full bucket, so a fresh one behaves the same
	mu       sync.Mutex
	limiters *cache.Cache
	now      func() time.Time
}

// NewThrottler creates a throttler. Intervals below two seconds are raised
// to two seconds.
func NewThrottler(soundInterval, burstWindow time.Duration) *Throttler {
	if soundInterval < minSoundInterval {
		soundInterval = minSoundInterval
	}
	if burstWindow <= 0 {
		burstWindow = 30 * time.Second
	}
	return &Throttler{
		interval: soundInterval,
		recent:   cache.New(burstWindow, 2*burstWindow),
		limiters: cache.New(limiterIdle(soundInterval), 10*time.Minute),
		now:      time.Now,
	}
}

// Prepare returns the notification for event, or false when it duplicates one
// prepared inside the burst window
func (t *Throttler) Prepare(event types.ChangeEvent) (*Notification, bool) {
	dedupeKey := fmt.Sprintf("%s:%s:%s:%s:%s", event.UserID, event.Network, event.Token, event.PreviousAmount, event.CurrentAmount)
	if err := t.recent.Add(dedupeKey, struct{}{}, cache.DefaultExpiration); err != nil {
		return nil, false
	}

	return &Notification{
		ID:        uuid.NewString(),
		Event:     event,
		Sound:     t.soundLimiter(event.UserID).AllowN(t.now(), 1),
		CreatedAt: t.now().UTC(),
	}, true
}

func (t *Throttler) soundLimiter(userID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.limiters.Get(userID); ok {
		l := v.(*rate.Limiter)
		t.limiters.SetDefault(userID, l)
		return l
	}

	l := rate.NewLimiter(rate.Every(t.interval), 1)
	t.limiters.SetDefault(userID, l)
	return l
}

func limiterIdle(interval time.Duration) time.Duration {
	if interval > time.Hour {
		return interval
	}
	return time.Hour
}
