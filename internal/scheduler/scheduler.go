// Package scheduler triggers pipeline ticks on a cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/lock"
	"github.com/livinlefevreloca/cadence/internal/runner"
	"github.com/livinlefevreloca/cadence/internal/window"
)

// Parse parses a standard five-field cron expression or descriptor. A
// schedule with no upcoming firing, such as one naming 30 February, is
// rejected.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", expr)
	}
	if sched.Next(time.Now()).IsZero() {
		return nil, errors.Newf("invalid schedule %q: never fires", expr)
	}
	return sched, nil
}

// Scheduler runs one tick per schedule firing. Ticks never overlap within
// a process; the locker keeps replicas apart.
type Scheduler struct {
	runner  *runner.Runner
	janitor *runner.Janitor
	locker  lock.Locker
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	pipeline config.Pipeline
	settings config.SchedulerConfig
	schedule cron.Schedule

	// Control
	reloaded chan struct{}
	tickMu   sync.Mutex
}

// New creates a scheduler for cfg. A nil janitor or locker disables it.
func New(cfg *config.Config, r *runner.Runner, j *runner.Janitor, l lock.Locker, logger *slog.Logger) (*Scheduler, error) {
	if l == nil {
		l = lock.Noop{}
	}
	s := &Scheduler{
		runner:   r,
		janitor:  j,
		locker:   l,
		logger:   logger,
		now:      time.Now,
		reloaded: make(chan struct{}, 1),
	}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock replaces the clock used for tick times.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Reload swaps in a new configuration. The next firing is recomputed; a
// tick already running keeps the configuration it started with.
func (s *Scheduler) Reload(cfg *config.Config) error {
	sched, err := Parse(cfg.Scheduler.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.schedule != nil && s.settings.Schedule != cfg.Scheduler.Schedule
	s.pipeline = cfg.Pipeline
	s.settings = cfg.Scheduler
	s.schedule = sched
	s.mu.Unlock()

	if changed {
		s.logger.Info("schedule changed", "schedule", cfg.Scheduler.Schedule)
	}
	select {
	case s.reloaded <- struct{}{}:
	default:
	}
	return nil
}

// Next returns the first firing after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Next(t)
}

func (s *Scheduler) snapshot() (config.Pipeline, config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline, s.settings
}

// Run ticks on every firing until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	_, settings := s.snapshot()
	s.logger.Info("starting scheduler", "schedule", settings.Schedule, "run_on_start", settings.RunOnStart)

	if settings.RunOnStart {
		s.Tick(ctx)
	}

	for {
		now := s.now()
		next := s.Next(now)
		if next.IsZero() {
			s.logger.Error("schedule has no upcoming firing, waiting for reload")
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return nil
			case <-s.reloaded:
				continue
			}
		}
		timer := time.NewTimer(next.Sub(now))
		s.logger.Debug("next tick", "at", next)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return nil

		case <-s.reloaded:
			timer.Stop()

		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs the janitor and one RunOnce under the tick lock and timeout.
func (s *Scheduler) Tick(ctx context.Context) (runner.Outcome, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	pipeline, settings := s.snapshot()
	logger := s.logger.With("pipeline", pipeline.Name)

	if settings.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.TickTimeout)
		defer cancel()
	}

	// 1. Tick lock
	release, err := s.locker.Acquire(ctx, pipeline.Name)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			logger.Info("tick skipped, another scheduler holds the lock")
		} else {
			logger.Error("failed to acquire tick lock", "error", err)
		}
		return runner.Outcome{Pipeline: pipeline.Name}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release tick lock", "error", err)
		}
	}()

	// 2. Stale runs
	if settings.Janitor && s.janitor != nil {
		if _, err := s.janitor.Sweep(ctx, &pipeline); err != nil {
			logger.Error("stale-run sweep failed", "error", err)
		}
	}

	// 3. Run
	out, err := s.runner.RunOnce(ctx, &pipeline, s.now())
	switch {
	case err == nil:
	case errors.Is(err, window.ErrEmptyWindow):
		logger.Info("nothing to run, window is empty", "error", err)
	case errors.Is(err, runner.ErrRunInProgress):
		logger.Warn("tick skipped, window already running", "error", err)
	default:
		logger.Error("tick aborted", "error", err)
	}
	return out, err
}
