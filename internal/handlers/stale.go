package handlers

import (
	"context"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/errclass"
	"github.com/livinlefevreloca/cadence/internal/phase"
	"github.com/livinlefevreloca/cadence/internal/runner"
)

// StaleHandling sweeps the pipeline's stuck RUNNING records as a phase.
type StaleHandling struct {
	janitor *runner.Janitor
}

func NewStaleHandling(j *runner.Janitor) *StaleHandling {
	return &StaleHandling{janitor: j}
}

func (h *StaleHandling) Execute(ctx context.Context, cfg *config.Pipeline, _ *drive.Record) (phase.Result, error) {
	if cfg == nil {
		return phase.Result{}, errclass.AsConfiguration(errNoPipeline)
	}
	ids, err := h.janitor.Sweep(ctx, cfg)
	if err != nil {
		return phase.Result{}, err
	}

	var result phase.Result
	result.Payload.SetCount("records_resolved", int64(len(ids)))
	result.Payload.SetValue("timeout_minutes", cfg.StaleRunTimeoutMinutes)
	if len(ids) > 0 {
		result.Payload.SetValue("resolved_runs", ids)
	}
	return result, nil
}
