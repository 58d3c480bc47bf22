package handlers

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/errclass"
	"github.com/livinlefevreloca/cadence/internal/phase"
)

// Payload keys written by the pre-validation phase.
const (
	FlagFreshRun          = "is_fresh_run"
	CountPreviousAttempts = "previous_attempts"
	ValuePhasesToSkip     = "phases_to_skip"
	ValuePreviousFailure  = "previous_failed_phase"
)

// PreValidation reports whether the run is the first attempt at its window
// and which phases an earlier failed attempt already completed.
type PreValidation struct {
	store  drive.Store
	logger *slog.Logger
}

func NewPreValidation(store drive.Store, logger *slog.Logger) *PreValidation {
	return &PreValidation{store: store, logger: logger}
}

func (h *PreValidation) Execute(ctx context.Context, cfg *config.Pipeline, rec *drive.Record) (phase.Result, error) {
	if cfg == nil {
		return phase.Result{}, errclass.AsConfiguration(errNoPipeline)
	}
	logger := h.logger.With("pipeline", cfg.Name, "run_id", rec.RunID)

	recs, err := h.store.QueryByPipelineAndDate(ctx, cfg.Name, rec.TargetDate)
	if err != nil {
		return phase.Result{}, errclass.AsTransient(errors.Wrapf(err, "querying earlier runs of %s on %s", cfg.Name, rec.TargetDate))
	}

	var previous []*drive.Record
	for _, r := range recs {
		if r.RunID == rec.RunID || r.Status == drive.StatusGapDetected {
			continue
		}
		if r.SameWindow(rec.WindowStart, rec.WindowEnd) {
			previous = append(previous, r)
		}
	}

	var result phase.Result
	result.Payload.SetFlag(FlagFreshRun, len(previous) == 0)
	result.Payload.SetCount(CountPreviousAttempts, int64(len(previous)))

	skip := []string{}
	// previous is newest first; the latest failure decides.
	for _, r := range previous {
		if r.Status == drive.StatusFailed && r.PhaseFailed != "" {
			skip = append(skip, r.PhasesCompleted...)
			result.Payload.SetValue(ValuePreviousFailure, r.PhaseFailed)
			break
		}
	}
	result.Payload.SetValue(ValuePhasesToSkip, skip)

	if len(previous) == 0 {
		logger.Info("fresh run, no earlier attempts at this window")
	} else {
		logger.Info("continuation run",
			"previous_attempts", len(previous),
			"phases_to_skip", skip)
	}
	return result, nil
}
