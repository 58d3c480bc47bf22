package window

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/drive"
)

// Creator is the write side of the drive store the recorder needs.
type Creator interface {
	CreateRun(ctx context.Context, rec *drive.Record) error
}

// NotifyFunc delivers a message. It must not fail the caller.
type NotifyFunc func(ctx context.Context, message string)

const gapIDLayout = "20060102T150405Z"

// GapRunID returns the run id of the marker record for a gap interval.
// Recording the same interval twice yields the same id.
func GapRunID(pipeline string, w Window) string {
	return fmt.Sprintf("%s_gap_%s_%s", pipeline, w.Start.UTC().Format(gapIDLayout), w.End.UTC().Format(gapIDLayout))
}

// GapFailure is an interval whose marker could not be written.
type GapFailure struct {
	Window Window
	Err    error
}

// GapReport summarises one reconciliation.
type GapReport struct {
	Detected        []Window
	Recorded        []string
	AlreadyRecorded []string
	Failed          []GapFailure
}

// Count returns the number of detected intervals.
func (r GapReport) Count() int {
	return len(r.Detected)
}

// GapRecorder writes GAP_DETECTED marker records and reports them.
type GapRecorder struct {
	store  Creator
	notify NotifyFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewGapRecorder creates a recorder. notify may be nil.
func NewGapRecorder(store Creator, notify NotifyFunc, logger *slog.Logger) *GapRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &GapRecorder{store: store, notify: notify, logger: logger, now: time.Now}
}

// SetClock replaces the clock used for record timestamps.
func (r *GapRecorder) SetClock(now func() time.Time) {
	r.now = now
}

// Record persists one marker per interval. Each insert is independent: a
// failure is logged and kept in the report, never returned. An interval
// that already has a marker counts as recorded on an earlier tick. One
// notification lists the intervals recorded by this call.
func (r *GapRecorder) Record(ctx context.Context, pipeline string, phases []string, gaps []Window) GapReport {
	report := GapReport{Detected: gaps}
	if len(gaps) == 0 {
		return report
	}

	logger := r.logger.With("pipeline", pipeline)
	logger.Warn("gap detected", "intervals", len(gaps))

	var fresh []Window
	for i, gap := range gaps {
		runID := GapRunID(pipeline, gap)
		now := r.now().UTC()

		rec := drive.NewRecord(runID, pipeline, gap.Start, gap.End, 0, phases, now)
		rec.Status = drive.StatusGapDetected
		rec.EndedAt = &now

		err := r.store.CreateRun(ctx, rec)
		switch {
		case err == nil:
			report.Recorded = append(report.Recorded, runID)
			fresh = append(fresh, gap)
			logger.Info("recorded gap interval",
				"run_id", runID, "index", i+1, "total", len(gaps))
		case errors.Is(err, drive.ErrDuplicateRun):
			report.AlreadyRecorded = append(report.AlreadyRecorded, runID)
			logger.Debug("gap interval already recorded", "run_id", runID)
		default:
			report.Failed = append(report.Failed, GapFailure{Window: gap, Err: err})
			logger.Error("failed to record gap interval",
				"run_id", runID, "window_start", gap.Start, "window_end", gap.End, "error", err)
		}
	}

	if len(fresh) > 0 && r.notify != nil {
		r.notify(ctx, GapMessage(pipeline, fresh))
	}
	return report
}

// GapMessage renders the alert sent for newly recorded gaps.
func GapMessage(pipeline string, gaps []Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gap detected in pipeline %s\n", pipeline)
	fmt.Fprintf(&b, "Intervals: %d\n\n", len(gaps))
	for _, g := range gaps {
		b.WriteString(g.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nRecorded %d drive records with status %s. These intervals were not processed and need investigation.\n",
		len(gaps), drive.StatusGapDetected)
	return b.String()
}
