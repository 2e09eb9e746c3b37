package notify

import (
	"context"

	"github.com/balance-sentinel/internal/logging"
)

// LogChannel writes every notification to the structured log
type LogChannel struct {
	log *logging.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(log *logging.Logger) *LogChannel {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &LogChannel{log: log.WithField("component", "notify_log")}
}

// Name implements Channel
func (c *LogChannel) Name() string { return "log" }

// Deliver implements Channel
func (c *LogChannel) Deliver(ctx context.Context, n *Notification) error {
	c.log.WithFields(map[string]interface{}{
		"notification": n.ID,
		"user":         n.Event.UserID,
		"network":      n.Event.Network,
		"token":        n.Event.Token,
		"direction":    n.Event.Direction,
		"previous":     n.Event.PreviousAmount,
		"current":      n.Event.CurrentAmount,
		"delta":        n.Event.Delta,
		"sound":        n.Sound,
		"source":       n.Event.CurrentSource,
	}).Info("Balance change")
	return nil
}
