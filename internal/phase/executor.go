package phase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/duration"
	"github.com/livinlefevreloca/cadence/internal/errclass"
)

// ExpectedDurationFactor is how far past its expected duration a phase may
// run before a warning is logged.
const ExpectedDurationFactor = 2.0

// PhaseOutcome summarises one phase of a run.
type PhaseOutcome struct {
	Name         string
	State        string
	SkipReason   string
	StartedAt    time.Time
	Duration     time.Duration
	ErrorMessage string
	ErrorKind    errclass.Kind
	Payload      drive.Payload
}

// Outcome is the structured result of executing a run. The executor never
// returns an error; store problems are reported in StoreErr.
type Outcome struct {
	RunID        string
	Status       drive.Status
	FailedPhase  string
	ErrorMessage string
	ErrorKind    errclass.Kind
	Phases       []PhaseOutcome
	StoreErr     error
	EndedAt      time.Time
	Elapsed      time.Duration
}

// Succeeded reports whether the run finished SUCCESS.
func (o Outcome) Succeeded() bool {
	return o.Status == drive.StatusSuccess
}

// Executor runs the pending phases of a drive record in order.
type Executor struct {
	store    drive.Store
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	// Optional state recorder for testing
	recorder *StateRecorder
}

// NewExecutor creates an executor.
func NewExecutor(store drive.Store, registry *Registry, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// SetRecorder attaches a state recorder.
func (e *Executor) SetRecorder(r *StateRecorder) {
	e.recorder = r
}

// Execute drives every pending phase of runID and finalises the run.
// Phases named in resume were completed by an earlier attempt at the same
// window and are skipped as already completed.
func (e *Executor) Execute(ctx context.Context, cfg *config.Pipeline, runID string, resume []string) Outcome {
	out := Outcome{RunID: runID}
	logger := e.logger.With("pipeline", cfg.Name, "run_id", runID)

	// 1. Load the record and fix the phase order captured at creation
	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		out.StoreErr = errors.Wrapf(err, "loading run %s", runID)
		e.finalize(ctx, logger, &out, e.now())
		return out
	}
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = e.now()
	}
	order := slices.Clone(rec.PhasesPending)

	logger.Info("executing run",
		"window_start", rec.WindowStart,
		"window_end", rec.WindowEnd,
		"phases", order)

	// 2. Drive each phase, re-reading the record before every step
	for _, name := range order {
		rec, err = e.store.GetRun(ctx, runID)
		if err != nil {
			out.StoreErr = errors.Wrapf(err, "reloading run %s before %s", runID, name)
			break
		}
		if !rec.IsPending(name) {
			continue
		}

		po, err := e.step(ctx, logger.With("phase", name), cfg, rec, name, resume)
		out.Phases = append(out.Phases, po)
		if po.State == StateFailed {
			out.FailedPhase = name
			out.ErrorMessage = po.ErrorMessage
			out.ErrorKind = po.ErrorKind
		}
		if err != nil {
			out.StoreErr = err
			break
		}
		if out.FailedPhase != "" {
			break
		}
	}

	// 3. Finalize
	e.finalize(ctx, logger, &out, startedAt)
	return out
}

// step moves one pending phase to a terminal state and persists it.
func (e *Executor) step(ctx context.Context, logger *slog.Logger, cfg *config.Pipeline, rec *drive.Record, name string, resume []string) (PhaseOutcome, error) {
	pending := &PendingState{}
	e.recordState(name, pending)

	ph, configured := cfg.Phase(name)
	switch {
	case !configured || !ph.IsEnabled():
		return e.skip(ctx, logger, rec.RunID, name, pending, SkipDisabled)
	case rec.HasSettled(name) || slices.Contains(resume, name):
		return e.skip(ctx, logger, rec.RunID, name, pending, SkipAlreadyCompleted)
	}

	running := pending.ToRunning()
	e.recordState(name, running)
	logger.Info("phase started")

	start := e.now()
	result, callErr := e.invoke(ctx, cfg, ph, rec)
	end := e.now()
	elapsed := end.Sub(start)

	po := PhaseOutcome{Name: name, StartedAt: start, Duration: elapsed, Payload: result.Payload}
	data := drive.PhaseData{
		PhaseName:      name,
		StartTimestamp: start.UTC(),
		EndTimestamp:   end.UTC(),
		ActualDuration: duration.Format(elapsed),
		Payload:        result.Payload,
	}
	if expected, _ := ph.Expected(); expected > 0 {
		data.ExpectedDuration = duration.Format(expected)
		if duration.Exceeded(elapsed, expected, ExpectedDurationFactor) {
			logger.Warn("phase ran well past its expected duration",
				"actual", data.ActualDuration,
				"expected", data.ExpectedDuration)
		}
	}

	var final State
	transition := drive.TransitionCompleted
	switch {
	case callErr != nil:
		po.ErrorMessage = callErr.Error()
		po.ErrorKind = errclass.Classify(callErr)
		data.ErrorDetail = fmt.Sprintf("%+v", callErr)
		final = running.ToFailed(po.ErrorMessage)
	case result.Stop:
		po.ErrorMessage = result.ErrorMessage
		if po.ErrorMessage == "" {
			po.ErrorMessage = "phase requested stop"
		}
		po.ErrorKind = errclass.ClassifyMessage(po.ErrorMessage)
		data.ErrorDetail = po.ErrorMessage
		final = running.ToFailed(po.ErrorMessage)
	default:
		final = running.ToCompleted()
	}
	e.recordState(name, final)
	po.State = final.Name()

	if _, failed := final.(*FailedState); failed {
		transition = drive.TransitionFailed
		data.Status = drive.PhaseFailed
		data.ErrorMessage = po.ErrorMessage
		data.ErrorType = po.ErrorKind.String()
		logger.Error("phase failed",
			"error", po.ErrorMessage,
			"error_type", data.ErrorType,
			"duration", data.ActualDuration)
	} else {
		data.Status = drive.PhaseCompleted
		logger.Info("phase completed", "duration", data.ActualDuration)
	}

	return po, e.persist(ctx, rec.RunID, name, data, transition)
}

func (e *Executor) skip(ctx context.Context, logger *slog.Logger, runID, name string, pending *PendingState, reason string) (PhaseOutcome, error) {
	skipped := pending.ToSkipped(reason)
	e.recordState(name, skipped)

	now := e.now().UTC()
	data := drive.PhaseData{
		PhaseName:      name,
		Status:         drive.PhaseSkipped,
		StartTimestamp: now,
		EndTimestamp:   now,
		ActualDuration: duration.Format(0),
		SkipReason:     reason,
	}
	logger.Info("phase skipped", "reason", reason)

	po := PhaseOutcome{Name: name, State: skipped.Name(), SkipReason: reason, StartedAt: now}
	return po, e.persist(ctx, runID, name, data, drive.TransitionSkipped)
}

// invoke calls the handler under the phase timeout. Panics and timeouts are
// converted to errors.
func (e *Executor) invoke(ctx context.Context, cfg *config.Pipeline, ph config.Phase, rec *drive.Record) (Result, error) {
	h, ok := e.registry.Resolve(ph)
	if !ok {
		return Result{}, errclass.AsConfiguration(errors.Wrapf(ErrMissingHandler, "phase %s", ph.Name))
	}
	timeout, err := ph.TimeoutDuration()
	if err != nil {
		return Result{}, errclass.AsConfiguration(errors.Wrapf(err, "phase %s timeout", ph.Name))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type reply struct {
		result Result
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: errors.Newf("phase %s panicked: %v", ph.Name, r)}
			}
		}()
		result, err := h.Execute(ctx, cfg, rec.Clone())
		done <- reply{result: result, err: err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, errclass.AsTransient(errors.Wrapf(ctx.Err(), "phase %s exceeded timeout %s", ph.Name, timeout))
		}
		return Result{}, errors.Wrapf(ctx.Err(), "phase %s cancelled", ph.Name)
	}
}

// persist writes the phase field, then moves the phase between sets.
// Writes survive cancellation of the run context so an abandoned run still
// leaves a consistent record.
func (e *Executor) persist(ctx context.Context, runID, name string, data drive.PhaseData, t drive.Transition) error {
	ctx = context.WithoutCancel(ctx)

	raw, err := data.Marshal()
	if err != nil {
		return errors.Wrapf(err, "encoding %s data", name)
	}
	if err := e.store.UpdatePhaseField(ctx, runID, name, raw); err != nil {
		return errors.Wrapf(err, "writing %s data", name)
	}
	if err := e.store.UpdatePhaseSets(ctx, runID, name, t); err != nil {
		return errors.Wrapf(err, "moving %s to %s", name, t)
	}
	return nil
}

func (e *Executor) finalize(ctx context.Context, logger *slog.Logger, out *Outcome, startedAt time.Time) {
	out.Status = drive.StatusSuccess
	if out.FailedPhase != "" || out.StoreErr != nil {
		out.Status = drive.StatusFailed
	}
	if out.ErrorMessage == "" && out.StoreErr != nil {
		out.ErrorMessage = out.StoreErr.Error()
		out.ErrorKind = errclass.Classify(out.StoreErr)
	}

	out.EndedAt = e.now().UTC()
	out.Elapsed = out.EndedAt.Sub(startedAt)
	if out.Elapsed < 0 {
		out.Elapsed = 0
	}

	if err := e.store.Finalize(context.WithoutCancel(ctx), out.RunID, out.Status, out.EndedAt, out.Elapsed); err != nil {
		out.StoreErr = errors.CombineErrors(out.StoreErr, errors.Wrap(err, "finalizing run"))
		logger.Error("failed to finalize run", "status", out.Status, "error", err)
	}

	if out.StoreErr != nil {
		logger.Error("run halted by store failure", "error", out.StoreErr)
	}
	logger.Info("run finished",
		"status", out.Status,
		"failed_phase", out.FailedPhase,
		"elapsed", duration.Format(out.Elapsed))
}

func (e *Executor) recordState(phase string, state State) {
	if e.recorder != nil {
		e.recorder.Record(phase, state)
	}
}
