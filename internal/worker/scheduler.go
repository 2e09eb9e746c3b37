package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/metrics"
	"github.com/balance-sentinel/internal/ratelimit"
	"github.com/balance-sentinel/internal/service"
	"github.com/balance-sentinel/internal/types"
)

// AccountSource lists the users whose wallets are swept
type AccountSource interface {
	ListActive(ctx context.Context) ([]types.TrackedUser, error)
	Get(ctx context.Context, userID string) (*types.TrackedUser, error)
}

// UserChecker runs one detection cycle for one user
type UserChecker interface {
	CheckUser(ctx context.Context, user types.TrackedUser) (*service.CycleResult, error)
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Schedule     string // cron expression, e.g. "@every 60s"
	Concurrency  int
	CycleTimeout time.Duration
}

// SweepResult summarizes one pass over every tracked user
type SweepResult struct {
	StartedAt time.Time              `json:"startedAt"`
	Duration  time.Duration          `json:"durationNs"`
	Users     int                    `json:"users"`
	Checked   int                    `json:"checked"`
	Skipped   int                    `json:"skipped"`
	Failed    int                    `json:"failed"`
	Events    int                    `json:"events"`
	Cycles    []*service.CycleResult `json:"cycles,omitempty"`
}

// SchedulerStatus reports the scheduler's state
type SchedulerStatus struct {
	Running       bool         `json:"running"`
	Schedule      string       `json:"schedule"`
	Concurrency   int          `json:"concurrency"`
	SweepsRun     int64        `json:"sweepsRun"`
	LastSweep     *SweepResult `json:"lastSweep,omitempty"`
	NextScheduled *time.Time   `json:"nextScheduled,omitempty"`
}

// Scheduler runs detection sweeps on a cron schedule. Cycles of one user never
// overlap: a scheduled sweep skips a user whose previous cycle is still
// running, while a forced check waits for it.
type Scheduler struct {
	cfg      SchedulerConfig
	accounts AccountSource
	checker  UserChecker
	log      *logging.Logger
	locks    *userLocks

	mu        sync.RWMutex
	cron      *cron.Cron
	entry     cron.EntryID
	running   bool
	cancel    context.CancelFunc
	lastSweep *SweepResult
	sweeps    atomic.Int64
}

// NewScheduler creates a scheduler
func NewScheduler(cfg SchedulerConfig, accounts AccountSource, checker UserChecker, log *logging.Logger) (*Scheduler, error) {
	if accounts == nil {
		return nil, fmt.Errorf("account source cannot be nil")
	}
	if checker == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 60s"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid detector schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Second
	}
	if log == nil {
		log = logging.GetGlobalLogger()
	}

	return &Scheduler{
		cfg:      cfg,
		accounts: accounts,
		checker:  checker,
		log:      log.WithField("component", "scheduler"),
		locks:    newUserLocks(),
	}, nil
}

// Start registers the sweep with cron and starts it
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	clog := cronLogger{log: s.log}
	c := cron.New(cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	entry, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("Sweep failed")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	c.Start()
	s.cron = c
	s.entry = entry
	s.cancel = cancel
	s.running = true

	s.log.WithFields(map[string]interface{}{
		"schedule":    s.cfg.Schedule,
		"concurrency": s.cfg.Concurrency,
	}).Info("Scheduler started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish. When ctx
// expires first the sweep is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.running = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	s.log.Info("Stopping scheduler")
	done := c.Stop()

	select {
	case <-done.Done():
		cancel()
		s.log.Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		cancel()
		s.log.Warn("Scheduler stop timed out, cancelling sweep")
		return ctx.Err()
	}
}

// Sweep checks every active user, at most Concurrency at a time. Users whose
// previous cycle is still running are skipped. Per-user failures are logged
// and never abort the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepResult, error) {
	return s.sweep(ctx, false)
}

// ForceSweep checks every active user, waiting for cycles already in flight
func (s *Scheduler) ForceSweep(ctx context.Context) (*SweepResult, error) {
	return s.sweep(ctx, true)
}

func (s *Scheduler) sweep(ctx context.Context, wait bool) (*SweepResult, error) {
	users, err := s.accounts.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked users: %w", err)
	}

	result := &SweepResult{StartedAt: time.Now().UTC(), Users: len(users)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, user := range users {
		g.Go(func() error {
			cycle, skipped, err := s.runUser(ctx, user, wait)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case skipped:
				result.Skipped++
			case err != nil:
				result.Failed++
			default:
				result.Checked++
			}
			if cycle != nil {
				result.Events += len(cycle.Events)
				result.Cycles = append(result.Cycles, cycle)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(result.StartedAt)
	s.sweeps.Add(1)
	s.mu.Lock()
	s.lastSweep = result
	s.mu.Unlock()

	s.log.WithFields(map[string]interface{}{
		"users":    result.Users,
		"checked":  result.Checked,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"events":   result.Events,
		"duration": result.Duration.String(),
	}).Info("Sweep complete")
	return result, nil
}

// ForceCheck runs a cycle for one user now, waiting (bounded by ctx) for a
// cycle already in flight for that user
func (s *Scheduler) ForceCheck(ctx context.Context, userID string) (*service.CycleResult, error) {
	user, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked user: %w", err)
	}
	if user == nil {
		return nil, apperrors.NewNotFoundError("user", userID)
	}

	cycle, _, err := s.runUser(ctx, *user, true)
	return cycle, err
}

func (s *Scheduler) runUser(ctx context.Context, user types.TrackedUser, wait bool) (*service.CycleResult, bool, error) {
	log := s.log.WithField("user", user.UserID)

	if wait {
		if err := s.locks.lock(ctx, user.UserID); err != nil {
			log.WithError(err).Warn("Gave up waiting for in-flight cycle")
			return nil, false, err
		}
	} else if !s.locks.tryLock(user.UserID) {
		metrics.SweepSkippedUsers.Inc()
		log.Debug("Previous cycle still running, skipping user")
		return nil, true, nil
	}
	defer s.locks.unlock(user.UserID)

	// scheduled cycles leave the reserved provider budget to client reads
	if !wait {
		ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityBackground)
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	cycle, err := s.checker.CheckUser(cctx, user)
	if err != nil {
		log.WithError(err).Error("Detection cycle failed")
	}
	return cycle, false, err
}

// Status returns the current scheduler status
func (s *Scheduler) Status() *SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &SchedulerStatus{
		Running:     s.running,
		Schedule:    s.cfg.Schedule,
		Concurrency: s.cfg.Concurrency,
		SweepsRun:   s.sweeps.Load(),
		LastSweep:   s.lastSweep,
	}
	if s.running && s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			status.NextScheduled = &next
		}
	}
	return status
}

// userLocks is a keyed mutex whose lock can be abandoned via a context.
// A user's slot lives only while someone holds or waits for it.
type userLocks struct {
	mu    sync.Mutex
	slots map[string]*userSlot
}

type userSlot struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{slots: make(map[string]*userSlot)}
}

func (l *userLocks) acquire(userID string) *userSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[userID]
	if !ok {
		slot = &userSlot{ch: make(chan struct{}, 1)}
		l.slots[userID] = slot
	}
	slot.refs++
	return slot
}

func (l *userLocks) release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[userID]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(l.slots, userID)
	}
}

func (l *userLocks) tryLock(userID string) bool {
	slot := l.acquire(userID)
	select {
	case slot.ch <- struct{}{}:
		return true
	default:
		l.release(userID)
		return false
	}
}

func (l *userLocks) lock(ctx context.Context, userID string) error {
	slot := l.acquire(userID)
	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(userID)
		return ctx.Err()
	}
}

func (l *userLocks) unlock(userID string) {
	l.mu.Lock()
	slot := l.slots[userID]
	l.mu.Unlock()
	<-slot.ch
	l.release(userID)
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	log *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithFields(kvFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
