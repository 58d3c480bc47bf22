// Package runner performs one scheduler tick for a pipeline: plan the
// window, reconcile gaps, create the run record and drive its phases.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/duration"
	"github.com/livinlefevreloca/cadence/internal/errclass"
	"github.com/livinlefevreloca/cadence/internal/metrics"
	"github.com/livinlefevreloca/cadence/internal/notify"
	"github.com/livinlefevreloca/cadence/internal/phase"
	"github.com/livinlefevreloca/cadence/internal/window"
)

// ErrRunInProgress aborts a tick whose window already has a live attempt.
var ErrRunInProgress = errors.New("runner: a run for this window is already in progress")

// Tick abort reasons reported to metrics.
const (
	abortConfig     = "config"
	abortEmpty      = "empty_window"
	abortWindow     = "window"
	abortStore      = "store"
	abortInProgress = "in_progress"
	abortDuplicate  = "duplicate"
)

const runIDLayout = "20060102T1504"

// RunID builds the id of a run attempt. suffix keeps concurrent attempts
// at the same window and retry apart.
func RunID(pipeline string, windowStart time.Time, retry int, suffix string) string {
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s_%s_r%d_%s", pipeline, windowStart.UTC().Format(runIDLayout), retry, suffix)
}

// Outcome describes one completed tick.
type Outcome struct {
	phase.Outcome

	Pipeline    string
	Window      window.Window
	RetryNumber int
	// Resumed lists phases completed by earlier attempts at the window.
	Resumed []string
	Gaps    window.GapReport
}

// Runner wires the calculator, the gap recorder and the executor to a store.
type Runner struct {
	store    drive.Store
	registry *phase.Registry
	notifier notify.Notifier
	metrics  *metrics.Recorder
	logger   *slog.Logger

	notifyFailures bool
	notifyGaps     bool

	now      func() time.Time
	suffix   func() string
	recorder *phase.StateRecorder
}

// New creates a runner. A nil notifier disables notifications. Notifier
// errors and panics are logged and never reach RunOnce.
func New(store drive.Store, registry *phase.Registry, notifier notify.Notifier, logger *slog.Logger) *Runner {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if _, ok := notifier.(*notify.Safe); !ok {
		notifier = notify.NewSafe(notifier, 0, logger)
	}
	return &Runner{
		store:          store,
		registry:       registry,
		notifier:       notifier,
		logger:         logger,
		notifyFailures: true,
		notifyGaps:     true,
		now:            time.Now,
		suffix:         uuid.NewString,
	}
}

// SetAlerting selects which events are sent to the notifier.
func (r *Runner) SetAlerting(cfg config.NotifyConfig) {
	r.notifyFailures = cfg.OnFailure
	r.notifyGaps = cfg.OnGap
}

func (r *Runner) SetMetrics(m *metrics.Recorder) {
	r.metrics = m
}

// SetClock replaces the clock used for record and phase timestamps. The
// window is always computed from the now passed to RunOnce.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// SetIDSuffix replaces the random run id suffix.
func (r *Runner) SetIDSuffix(fn func() string) {
	r.suffix = fn
}

// SetRecorder attaches a phase state recorder to every execution.
func (r *Runner) SetRecorder(rec *phase.StateRecorder) {
	r.recorder = rec
}

// RunOnce performs one tick at now. The returned error is reserved for
// conditions that prevent the run from starting; phase and store failures
// after the record exists are reported in the outcome.
func (r *Runner) RunOnce(ctx context.Context, cfg *config.Pipeline, now time.Time) (Outcome, error) {
	out := Outcome{Pipeline: cfg.Name}
	logger := r.logger.With("pipeline", cfg.Name)

	// 1. Plan the window
	bounds, err := cfg.Bounds()
	if err != nil {
		r.metrics.TickAborted(cfg.Name, abortConfig)
		return out, errclass.AsConfiguration(errors.Wrapf(err, "pipeline %s", cfg.Name))
	}
	plan, err := window.NewCalculator(r.store, logger).Plan(ctx, cfg.Name, bounds, now)
	if err != nil {
		reason := abortWindow
		if errors.Is(err, window.ErrEmptyWindow) {
			reason = abortEmpty
		}
		r.metrics.TickAborted(cfg.Name, reason)
		return out, err
	}
	out.Window = plan.Window
	logger = logger.With("window_start", plan.Window.Start, "window_end", plan.Window.End)

	// 2. Record the intervals the history skipped
	gaps := window.NewGapRecorder(r.store, r.gapNotifier(cfg), logger)
	gaps.SetClock(r.now)
	out.Gaps = gaps.Record(ctx, cfg.Name, cfg.EnabledPhases(), plan.Gaps(bounds.Granularity))
	r.metrics.GapsRecorded(cfg.Name, len(out.Gaps.Recorded))

	// 3. Earlier attempts at the same window decide the retry number and
	// the phases that need not run again
	attempts, err := r.attempts(ctx, cfg.Name, plan.Window)
	if err != nil {
		r.metrics.TickAborted(cfg.Name, abortStore)
		return out, err
	}
	if live := r.liveAttempt(cfg, attempts); live != nil {
		r.metrics.TickAborted(cfg.Name, abortInProgress)
		return out, errors.Wrapf(ErrRunInProgress, "pipeline %s window %s: run %s", cfg.Name, plan.Window, live.RunID)
	}
	out.RetryNumber = len(attempts)
	out.Resumed = completedBy(attempts)

	// 4. Create the run record
	runID := RunID(cfg.Name, plan.Window.Start, out.RetryNumber, r.suffix())
	rec := drive.NewRecord(runID, cfg.Name, plan.Window.Start, plan.Window.End, out.RetryNumber, cfg.EnabledPhases(), r.now())
	if err := r.store.CreateRun(ctx, rec); err != nil {
		if errors.Is(err, drive.ErrDuplicateRun) {
			r.metrics.TickAborted(cfg.Name, abortDuplicate)
			return out, err
		}
		r.metrics.TickAborted(cfg.Name, abortStore)
		return out, errclass.AsTransient(errors.Wrapf(err, "creating run %s", runID))
	}
	logger.Info("created run",
		"run_id", runID,
		"retry_number", out.RetryNumber,
		"resumed", out.Resumed)

	// 5. Drive the phases
	exec := phase.NewExecutor(r.store, r.registry, logger)
	exec.SetClock(r.now)
	if r.recorder != nil {
		exec.SetRecorder(r.recorder)
	}
	out.Outcome = exec.Execute(ctx, cfg, runID, out.Resumed)

	// 6. Report
	r.observe(cfg.Name, out)
	if !out.Succeeded() && r.notifyFailures {
		r.notifier.Notify(ctx, cfg, FailureMessage(out))
	}
	return out, nil
}

// attempts returns earlier run records for exactly w, newest first.
func (r *Runner) attempts(ctx context.Context, pipeline string, w window.Window) ([]*drive.Record, error) {
	recs, err := r.store.QueryByPipelineAndDate(ctx, pipeline, drive.TargetDate(w.Start))
	if err != nil {
		return nil, errclass.AsTransient(errors.Wrapf(err, "loading earlier attempts of %s", pipeline))
	}
	return slices.DeleteFunc(recs, func(rec *drive.Record) bool {
		return rec.Status == drive.StatusGapDetected || !rec.SameWindow(w.Start, w.End)
	}), nil
}

// liveAttempt returns a RUNNING attempt that is not yet stale.
func (r *Runner) liveAttempt(cfg *config.Pipeline, attempts []*drive.Record) *drive.Record {
	timeout := cfg.StaleRunTimeout()
	now := r.now()
	for _, rec := range attempts {
		if rec.Status != drive.StatusRunning {
			continue
		}
		if timeout <= 0 || now.Sub(rec.UpdatedAt) < timeout {
			return rec
		}
	}
	return nil
}

// completedBy unions the phases completed by attempts. A phase skipped as
// already completed in one attempt was completed by an earlier one, so the
// union over every attempt is needed.
func completedBy(attempts []*drive.Record) []string {
	var done []string
	for i := len(attempts) - 1; i >= 0; i-- {
		for _, name := range attempts[i].PhasesCompleted {
			if !slices.Contains(done, name) {
				done = append(done, name)
			}
		}
	}
	return done
}

func (r *Runner) gapNotifier(cfg *config.Pipeline) window.NotifyFunc {
	if !r.notifyGaps {
		return nil
	}
	return func(ctx context.Context, message string) {
		r.notifier.Notify(ctx, cfg, message)
	}
}

func (r *Runner) observe(pipeline string, out Outcome) {
	if r.metrics == nil {
		return
	}
	r.metrics.RunFinished(pipeline, string(out.Status), out.Elapsed)
	for _, po := range out.Phases {
		r.metrics.PhaseFinished(pipeline, po.Name, po.State, po.Duration)
	}
	if out.Succeeded() {
		r.metrics.WindowSucceeded(pipeline, out.Window.End)
	}
}

// FailureMessage renders the alert for a run that did not succeed.
func FailureMessage(out Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline %s run %s finished %s\n", out.Pipeline, out.RunID, out.Status)
	fmt.Fprintf(&b, "Window: %s\n", out.Window)
	fmt.Fprintf(&b, "Retry: %d\n", out.RetryNumber)
	if out.FailedPhase != "" {
		fmt.Fprintf(&b, "Failed phase: %s\n", out.FailedPhase)
	}
	if out.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error (%s): %s\n", out.ErrorKind, out.ErrorMessage)
	}
	if out.StoreErr != nil {
		fmt.Fprintf(&b, "Store: %v\n", out.StoreErr)
	}
	fmt.Fprintf(&b, "Elapsed: %s\n", duration.Format(out.Elapsed))
	return b.String()
}
