// Package handlers provides the phase implementations shipped with cadence.
// Anything else is plugged in through a phase's command setting.
package handlers

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/phase"
	"github.com/livinlefevreloca/cadence/internal/runner"
)

// RegisterBuiltins adds the built-in handlers and the command factory to reg.
// The stale-run handler is only registered when store can sweep.
func RegisterBuiltins(reg *phase.Registry, store drive.Store, logger *slog.Logger) error {
	if err := reg.Register(config.PhasePreValidation, NewPreValidation(store, logger)); err != nil {
		return err
	}
	if err := reg.Register(config.PhaseAudit, NewAudit(store, logger)); err != nil {
		return err
	}
	if sweeper, ok := store.(drive.Sweeper); ok {
		h := NewStaleHandling(runner.NewJanitor(sweeper, logger))
		if err := reg.Register(config.PhaseStaleHandling, h); err != nil {
			return err
		}
	}
	reg.SetCommandFactory(NewCommandFactory(logger))
	return nil
}

// errNoPipeline guards handlers invoked without configuration.
var errNoPipeline = errors.New("handlers: pipeline configuration is required")
