package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/errclass"
	"github.com/livinlefevreloca/cadence/internal/phase"
)

// Counts read from the transfer phases.
const (
	CountSource = "source_count"
	CountStage  = "stage_count"
	CountTarget = "target_count"
)

// Audit options and their defaults, in percent.
const (
	OptSourceToStageTolerance = "source_to_stage_tolerance_percent"
	OptStageToTargetTolerance = "stage_to_target_tolerance_percent"

	DefaultSourceToStageTolerance = 2.0
	DefaultStageToTargetTolerance = 1.0
)

// Audit compares the row counts reported by the transfer phases and stops
// the run when more rows went missing than the tolerances allow. A check
// whose phase reported no counts is left out.
type Audit struct {
	store  drive.Store
	logger *slog.Logger
}

// NewAudit creates the audit handler. store is used to find counts of
// transfer phases that an earlier attempt at the same window completed; it
// may be nil.
func NewAudit(store drive.Store, logger *slog.Logger) *Audit {
	return &Audit{store: store, logger: logger}
}

// LossPercent returns the share of from that did not arrive in to. An empty
// origin loses nothing.
func LossPercent(from, to int64) float64 {
	if from <= 0 {
		return 0
	}
	return float64(from-to) / float64(from) * 100
}

type auditCheck struct {
	name      string
	loss      float64
	tolerance float64
}

func (c auditCheck) passed() bool {
	return c.loss <= c.tolerance
}

func (h *Audit) Execute(ctx context.Context, cfg *config.Pipeline, rec *drive.Record) (phase.Result, error) {
	if cfg == nil {
		return phase.Result{}, errclass.AsConfiguration(errNoPipeline)
	}
	logger := h.logger.With("pipeline", cfg.Name, "run_id", rec.RunID)
	opts, _ := cfg.Phase(config.PhaseAudit)

	transfer, transferred, err := h.counts(ctx, rec, config.PhaseSourceToStage)
	if err != nil {
		return phase.Result{}, err
	}
	load, loaded, err := h.counts(ctx, rec, config.PhaseStageToTarget)
	if err != nil {
		return phase.Result{}, err
	}

	var result phase.Result
	var checks []auditCheck
	if transferred {
		source, stage := transfer[CountSource], transfer[CountStage]
		result.Payload.SetCount(CountSource, source)
		result.Payload.SetCount(CountStage, stage)
		checks = append(checks, auditCheck{
			name:      "source_to_stage",
			loss:      LossPercent(source, stage),
			tolerance: opts.Float(OptSourceToStageTolerance, DefaultSourceToStageTolerance),
		})
		if loaded {
			target := load[CountTarget]
			result.Payload.SetCount(CountTarget, target)
			checks = append(checks, auditCheck{
				name:      "stage_to_target",
				loss:      LossPercent(stage, target),
				tolerance: opts.Float(OptStageToTargetTolerance, DefaultStageToTargetTolerance),
			})
		}
	}

	if len(checks) == 0 {
		logger.Warn("audit found no transfer counts, nothing to compare")
		result.Payload.SetValue("validation_status", "SKIPPED")
		return result, nil
	}

	var failures []string
	for _, c := range checks {
		result.Payload.SetValue(c.name+"_loss_percent", math.Round(c.loss*100)/100)
		result.Payload.SetValue(c.name+"_tolerance_percent", c.tolerance)
		result.Payload.SetFlag(c.name+"_passed", c.passed())
		if !c.passed() {
			failures = append(failures, fmt.Sprintf("%s loss %.2f%% exceeds %.2f%%", c.name, c.loss, c.tolerance))
		}
	}
	logger.Info("audit counts", "counts", result.Payload.Counts)

	if len(failures) > 0 {
		msg := "tolerance exceeded: " + strings.Join(failures, "; ")
		logger.Error("audit failed", "reason", msg)
		result.Payload.SetValue("validation_status", "FAILED")
		result.Stop = true
		result.ErrorMessage = msg
		return result, nil
	}
	result.Payload.SetValue("validation_status", "PASSED")
	logger.Info("audit passed")
	return result, nil
}

// counts returns the counts a phase reported for rec's window. A phase
// skipped as already completed reported them on an earlier attempt.
func (h *Audit) counts(ctx context.Context, rec *drive.Record, name string) (map[string]int64, bool, error) {
	data, ok, err := rec.Phase(name)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decoding %s data", name)
	}
	switch {
	case !ok:
		return nil, false, nil
	case data.Status == drive.PhaseCompleted:
		return data.Counts, len(data.Counts) > 0, nil
	case data.SkipReason != phase.SkipAlreadyCompleted || h.store == nil:
		return nil, false, nil
	}

	recs, err := h.store.QueryByPipelineAndDate(ctx, rec.PipelineName, rec.TargetDate)
	if err != nil {
		return nil, false, errclass.AsTransient(errors.Wrapf(err, "loading earlier %s counts", name))
	}
	for _, prev := range recs {
		if prev.RunID == rec.RunID || !prev.SameWindow(rec.WindowStart, rec.WindowEnd) {
			continue
		}
		data, ok, err := prev.Phase(name)
		if err != nil || !ok || data.Status != drive.PhaseCompleted {
			continue
		}
		return data.Counts, len(data.Counts) > 0, nil
	}
	return nil, false, nil
}
