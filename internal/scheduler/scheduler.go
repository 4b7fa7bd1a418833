// Package scheduler runs periodic jobs such as the daily credit reset.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// DefaultDailyReset fires at 00:01:00 every day (seconds field enabled).
const DefaultDailyReset = "0 1 0 * * *"

const (
	resetLockKey = "credits:daily_reset"
	jobTimeout   = 10 * time.Minute
)

// Resetter restores daily credit balances.
type Resetter interface {
	ResetDaily(ctx context.Context) (int, error)
}

// Locker grants a lease to one instance. Used so a fleet resets once.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron     *cronv3.Cron
	resetter Resetter
	locker   Locker
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

// New creates a scheduler that resets daily credits on schedule, a cron
// spec with a seconds field. locker may be nil for a single instance.
func New(schedule string, resetter Resetter, locker Locker, logger *slog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultDailyReset
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		resetter: resetter,
		locker:   locker,
		logger:   logger.With("component", "scheduler"),
	}
	s.cron = cronv3.New(
		cronv3.WithSeconds(),
		cronv3.WithLocation(time.UTC),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DiscardLogger),
			cronv3.Recover(cronv3.DiscardLogger),
		),
	)
	if _, err := s.cron.AddFunc(schedule, s.runDailyReset); err != nil {
		return nil, fmt.Errorf("failed to schedule daily reset %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "next_reset", s.NextRun())
}

// NextRun returns when the daily reset fires next.
func (s *Scheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().UTC())
}

// Shutdown stops scheduling and waits for a running job.
// It implements server.ShutdownFunc for integration with graceful shutdown.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("scheduler shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) runDailyReset() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	_ = s.ResetNow(ctx)
}

// ResetNow runs the daily reset once, unless another instance holds the
// lease for it.
func (s *Scheduler) ResetNow(ctx context.Context) error {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, resetLockKey, time.Hour)
		if err != nil {
			s.logger.Warn("failed to acquire reset lock, running anyway", "error", err)
		} else if !ok {
			s.logger.Info("daily reset handled by another instance")
			return nil
		}
	}

	start := time.Now()
	changed, err := s.resetter.ResetDaily(ctx)
	if err != nil {
		s.logger.Error("daily credit reset failed",
			"accounts_reset", changed,
			"error", err,
		)
		return fmt.Errorf("failed to reset daily credits: %w", err)
	}
	s.logger.Info("daily credit reset complete",
		"accounts_reset", changed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
