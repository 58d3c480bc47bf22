// Package drive defines the pipeline execution drive record and the store
// contract the window calculator and the phase executor rely on.
package drive

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the run-level status persisted on a drive record.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
	StatusGapDetected Status = "GAP_DETECTED"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusGapDetected
}

func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailed, StatusGapDetected:
		return true
	}
	return false
}

// TargetDateLayout is the layout of Record.TargetDate.
const TargetDateLayout = "2006-01-02"

// Record is one pipeline execution attempt over one window.
type Record struct {
	RunID        string
	PipelineName string
	Status       Status
	RetryNumber  int

	// Window is half-open: [WindowStart, WindowEnd).
	WindowStart time.Time
	WindowEnd   time.Time
	TargetDate  string

	// PhasesPending, PhasesCompleted and PhasesSkipped partition the phases
	// enabled when the record was created.
	PhasesPending   []string
	PhasesCompleted []string
	PhasesSkipped   []string
	PhaseFailed     string

	// PhaseData holds the JSON document written for each executed phase.
	PhaseData map[string]json.RawMessage

	StartedAt     time.Time
	EndedAt       *time.Time
	Duration      time.Duration
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord builds a RUNNING record for the window with every enabled phase
// pending. Timestamps are normalised to UTC.
func NewRecord(runID, pipeline string, start, end time.Time, retry int, enabled []string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		RunID:           runID,
		PipelineName:    pipeline,
		Status:          StatusRunning,
		RetryNumber:     retry,
		WindowStart:     start.UTC(),
		WindowEnd:       end.UTC(),
		TargetDate:      TargetDate(start),
		PhasesPending:   slices.Clone(enabled),
		PhasesCompleted: []string{},
		PhasesSkipped:   []string{},
		PhaseData:       map[string]json.RawMessage{},
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TargetDate returns the UTC calendar date of a window start.
func TargetDate(windowStart time.Time) string {
	return windowStart.UTC().Format(TargetDateLayout)
}

// SameWindow reports whether the record covers exactly [start, end).
func (r *Record) SameWindow(start, end time.Time) bool {
	return r.WindowStart.Equal(start) && r.WindowEnd.Equal(end)
}

// HasSettled reports whether the phase is already completed or skipped.
func (r *Record) HasSettled(phase string) bool {
	return slices.Contains(r.PhasesCompleted, phase) || slices.Contains(r.PhasesSkipped, phase)
}

// IsPending reports whether the phase is still pending.
func (r *Record) IsPending(phase string) bool {
	return slices.Contains(r.PhasesPending, phase)
}

// Phase decodes the stored data for a phase. ok is false when nothing was
// written for it yet.
func (r *Record) Phase(name string) (data PhaseData, ok bool, err error) {
	raw, found := r.PhaseData[name]
	if !found || len(raw) == 0 {
		return PhaseData{}, false, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return PhaseData{}, true, err
	}
	return data, true, nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.PhasesPending = slices.Clone(r.PhasesPending)
	c.PhasesCompleted = slices.Clone(r.PhasesCompleted)
	c.PhasesSkipped = slices.Clone(r.PhasesSkipped)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	c.PhaseData = make(map[string]json.RawMessage, len(r.PhaseData))
	for k, v := range r.PhaseData {
		c.PhaseData[k] = slices.Clone(v)
	}
	return &c
}
