package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/duration"
	"github.com/livinlefevreloca/cadence/internal/metrics"
)

// Janitor finalises RUNNING records that stopped making progress, so a
// crashed process does not block its window forever.
type Janitor struct {
	sweeper drive.Sweeper
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewJanitor creates a janitor backed by sweeper.
func NewJanitor(sweeper drive.Sweeper, logger *slog.Logger) *Janitor {
	return &Janitor{sweeper: sweeper, logger: logger, now: time.Now}
}

func (j *Janitor) SetClock(now func() time.Time) {
	j.now = now
}

func (j *Janitor) SetMetrics(m *metrics.Recorder) {
	j.metrics = m
}

// Sweep marks the pipeline's RUNNING records whose updated_at is older than
// the stale-run timeout as FAILED. A zero timeout disables the sweep.
func (j *Janitor) Sweep(ctx context.Context, cfg *config.Pipeline) ([]string, error) {
	timeout := cfg.StaleRunTimeout()
	if timeout <= 0 {
		return nil, nil
	}

	now := j.now().UTC()
	cutoff := now.Add(-timeout)
	reason := fmt.Sprintf("no progress for %s, marked failed by the stale-run janitor", duration.Format(timeout))

	ids, err := j.sweeper.MarkStaleRuns(ctx, cfg.Name, cutoff, now, reason)
	if err != nil {
		return nil, errors.Wrapf(err, "sweeping stale runs of %s", cfg.Name)
	}

	if len(ids) > 0 {
		j.logger.Warn("marked stale runs failed",
			"pipeline", cfg.Name,
			"runs", ids,
			"cutoff", cutoff)
		j.metrics.StaleRunsMarked(cfg.Name, len(ids))
	}
	return ids, nil
}
