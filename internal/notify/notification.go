// Package notify hands change events from the detector to delivery channels.
// The detector only enqueues; workers apply the sound throttle and burst
// de-duplication and then deliver to every channel independently.
package notify

import (
	"context"
	"time"

	"github.com/balance-sentinel/internal/types"
)

// Notification is a change event prepared for delivery
type Notification struct {
	ID        string            `json:"id"`
	Event     types.ChangeEvent `json:"event"`
	Sound     bool              `json:"sound"` // false when the user's sound slot was used recently
	CreatedAt time.Time         `json:"createdAt"`
}

// Channel delivers notifications somewhere (database, log, push gateway)
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}
