package window

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/drive"
	"github.com/livinlefevreloca/cadence/internal/errclass"
)

// History is the read-only view of the drive store the calculator needs.
type History interface {
	QueryLastSuccess(ctx context.Context, pipeline string) (*drive.Record, error)
}

// Plan is the result of one window calculation.
type Plan struct {
	Window     Window
	NowRounded time.Time
	Earliest   time.Time
	// LastSuccess is nil for a pipeline with no successful run.
	LastSuccess *drive.Record
}

// Gaps returns the intervals between the last successful window and the
// planned window. A first run has none.
func (p Plan) Gaps(g time.Duration) []Window {
	if p.LastSuccess == nil {
		return nil
	}
	return DetectGaps(p.LastSuccess.WindowEnd, p.Window.Start, g)
}

// Calculator advances a pipeline's window from its persisted history.
type Calculator struct {
	history History
	logger  *slog.Logger
}

// NewCalculator creates a calculator reading from history.
func NewCalculator(history History, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{history: history, logger: logger}
}

// Next returns the next window for the pipeline at now.
func (c *Calculator) Next(ctx context.Context, pipeline string, b Bounds, now time.Time) (Window, error) {
	p, err := c.Plan(ctx, pipeline, b, now)
	if err != nil {
		return Window{}, err
	}
	return p.Window, nil
}

// Plan computes the next window. The only clock input is now, so repeated
// calls against unchanged history return the same window.
func (c *Calculator) Plan(ctx context.Context, pipeline string, b Bounds, now time.Time) (Plan, error) {
	if err := b.Validate(); err != nil {
		return Plan{}, err
	}
	g := b.Granularity
	logger := c.logger.With("pipeline", pipeline)

	// 1. Round now down to the granularity
	nowRounded, err := Round(now.UTC(), g, RoundDown)
	if err != nil {
		return Plan{}, err
	}

	// 2. Lookback limit
	earliest := nowRounded.Add(-b.Lookback)

	// 3. Tentative start from history
	last, err := c.history.QueryLastSuccess(ctx, pipeline)
	switch {
	case err == nil:
	case errors.Is(err, drive.ErrNotFound):
		last = nil
	default:
		return Plan{}, errclass.AsTransient(errors.Wrapf(err, "looking up last successful run of %s", pipeline))
	}

	var start time.Time
	switch {
	case last != nil:
		start = last.WindowEnd.UTC()
	case b.FetchStart != nil:
		start = b.FetchStart.UTC()
	case b.BackfillLookback:
		start = earliest
	default:
		start = nowRounded.Add(-g)
	}

	// 4. Align the start
	start, err = Round(start, g, RoundDown)
	if err != nil {
		return Plan{}, err
	}

	// 5. Clamp the start up
	if start.Before(earliest) {
		logger.Warn("window start before lookback limit, clamping",
			"window_start", start, "earliest_allowed", earliest)
		start = earliest
	}
	if b.FetchStart != nil && start.Before(*b.FetchStart) {
		logger.Warn("window start before acceptable fetch start, clamping",
			"window_start", start, "acceptable_fetch_start", b.FetchStart.UTC())
		start = b.FetchStart.UTC()
	}

	// 6. End one granularity later, clamped down
	end := start.Add(g)
	if end.After(nowRounded) {
		logger.Warn("window end in the future, clamping",
			"window_end", end, "now_rounded", nowRounded)
		end = nowRounded
	}
	if b.FetchEnd != nil && end.After(*b.FetchEnd) {
		logger.Warn("window end after acceptable fetch end, clamping",
			"window_end", end, "acceptable_fetch_end", b.FetchEnd.UTC())
		end = b.FetchEnd.UTC()
	}

	// 7. Reject an empty window
	if !start.Before(end) {
		return Plan{}, errors.Wrapf(ErrEmptyWindow,
			"pipeline %s: start %s, end %s; history already covers now or the limits exclude each other",
			pipeline, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	w := Window{Start: start, End: end}
	logger.Info("calculated window", "window_start", w.Start, "window_end", w.End)

	return Plan{
		Window:      w,
		NowRounded:  nowRounded,
		Earliest:    earliest,
		LastSuccess: last,
	}, nil
}
