package drive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Standard errors
var (
	ErrNotFound     = errors.New("drive: run not found")
	ErrDuplicateRun = errors.New("drive: run already exists")
)

// Store is the persisted table of drive records.
//
// Implementations must make CreateRun atomic (fail with ErrDuplicateRun
// rather than overwrite) and apply UpdatePhaseSets as a single-row
// read-modify-write so concurrent updates of one record are not lost.
type Store interface {
	// CreateRun inserts a new record. Fails with ErrDuplicateRun if the
	// run ID exists.
	CreateRun(ctx context.Context, rec *Record) error

	// GetRun returns the record or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Record, error)

	// QueryByPipelineAndDate returns every record of the pipeline whose
	// target date is date (YYYY-MM-DD), newest first by creation.
	QueryByPipelineAndDate(ctx context.Context, pipeline, date string) ([]*Record, error)

	// QueryLastSuccess returns the SUCCESS record with the latest window end
	// or ErrNotFound.
	QueryLastSuccess(ctx context.Context, pipeline string) (*Record, error)

	// UpdatePhaseField overwrites the JSON document stored for a phase.
	UpdatePhaseField(ctx context.Context, runID, phase string, data json.RawMessage) error

	// UpdatePhaseSets applies a phase transition to the pending, completed,
	// skipped and failed fields.
	UpdatePhaseSets(ctx context.Context, runID, phase string, t Transition) error

	// Finalize sets the terminal status, end timestamp and elapsed duration.
	Finalize(ctx context.Context, runID string, status Status, endedAt time.Time, elapsed time.Duration) error
}

// Filter selects records for ListRuns. Zero fields match everything.
type Filter struct {
	Pipeline   string
	TargetDate string
	Status     Status
	Limit      int
}

// Match reports whether rec passes the filter, ignoring Limit.
func (f Filter) Match(rec *Record) bool {
	if f.Pipeline != "" && rec.PipelineName != f.Pipeline {
		return false
	}
	if f.TargetDate != "" && rec.TargetDate != f.TargetDate {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// Lister lists records newest first.
type Lister interface {
	ListRuns(ctx context.Context, f Filter) ([]*Record, error)
}

// Sweeper fails RUNNING records that have not been updated since cutoff.
// An empty pipeline sweeps every pipeline. It returns the affected run IDs.
type Sweeper interface {
	MarkStaleRuns(ctx context.Context, pipeline string, cutoff, now time.Time, reason string) ([]string, error)
}
