package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/types"
)

// ErrQueueFull is returned by Emit when the queue cannot take another event
var ErrQueueFull = errors.New("notification queue full")

// ErrQueueClosed is returned by Emit after Stop
var ErrQueueClosed = errors.New("notification queue closed")

// QueueConfig configures the notification queue
type QueueConfig struct {
	Size            int
	Workers         int
	DeliveryTimeout time.Duration
}

// Queue is the hand-off between the detector and delivery. Emit never blocks;
// workers deliver each notification to every channel.
type Queue struct {
	cfg       QueueConfig
	throttler *Throttler
	channels  []Channel
	log       *logging.Logger

	events chan types.ChangeEvent
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewQueue creates a queue; call Start to launch the workers
func NewQueue(cfg QueueConfig, throttler *Throttler, log *logging.Logger, channels ...Channel) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Queue{
		cfg:       cfg,
		throttler: throttler,
		channels:  channels,
		log:       log.WithField("component", "notify_queue"),
		events:    make(chan types.ChangeEvent, cfg.Size),
	}
}

// Emit enqueues event without waiting for delivery
func (q *Queue) Emit(ctx context.Context, event types.ChangeEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.events <- event:
		metrics.NotifyQueueDepth.Set(float64(len(q.events)))
		return nil
	default:
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Start launches the workers
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.log.WithField("workers", q.cfg.Workers).Info("Notification queue started")
}

// Stop stops accepting events and waits for queued ones to be delivered,
// up to ctx's deadline
func (q *Queue) Stop(ctx context.Context) error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.events)
		q.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("Notification queue drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for event := range q.events {
		metrics.NotifyQueueDepth.Set(float64(len(q.events)))
		q.process(event)
	}
}

func (q *Queue) process(event types.ChangeEvent) {
	n, ok := q.throttler.Prepare(event)
	if !ok {
		metrics.NotificationsDropped.WithLabelValues("burst_duplicate").Inc()
		q.log.WithFields(map[string]interface{}{
			"user":  event.UserID,
			"token": event.Token,
		}).Debug("Dropping duplicate notification inside burst window")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.DeliveryTimeout)
	defer cancel()

	for _, ch := range q.channels {
		if err := deliver(ctx, ch, n); err != nil {
			metrics.SinkFailures.WithLabelValues(ch.Name()).Inc()
			q.log.WithFields(map[string]interface{}{
				"channel":      ch.Name(),
				"notification": n.ID,
				"user":         event.UserID,
			}).WithError(apperrors.NewDeliveryError(ch.Name(), err)).Error("Notification delivery failed")
		}
	}
}

func deliver(ctx context.Context, ch Channel, n *Notification) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("channel panic")
		}
	}()
	return ch.Deliver(ctx, n)
}
