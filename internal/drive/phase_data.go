package drive

import (
	"encoding/json"
	"time"
)

// Phase statuses written into PhaseData.Status.
const (
	PhaseCompleted = "COMPLETED"
	PhaseFailed    = "FAILED"
	PhaseSkipped   = "SKIPPED"
)

// Payload is the phase-specific part of a phase result. Counts and Flags
// cover what built-in phases exchange (row counts, pass/fail markers);
// Values is the open extension for anything else.
type Payload struct {
	Counts map[string]int64 `json:"counts,omitempty"`
	Flags  map[string]bool  `json:"flags,omitempty"`
	Values map[string]any   `json:"values,omitempty"`
}

// Count returns a named count and whether it was present.
func (p Payload) Count(name string) (int64, bool) {
	v, ok := p.Counts[name]
	return v, ok
}

// Flag returns a named flag, false when absent.
func (p Payload) Flag(name string) bool {
	return p.Flags[name]
}

// SetCount records a count, allocating the map on first use.
func (p *Payload) SetCount(name string, v int64) {
	if p.Counts == nil {
		p.Counts = map[string]int64{}
	}
	p.Counts[name] = v
}

// SetFlag records a flag, allocating the map on first use.
func (p *Payload) SetFlag(name string, v bool) {
	if p.Flags == nil {
		p.Flags = map[string]bool{}
	}
	p.Flags[name] = v
}

// SetValue records a free-form value, allocating the map on first use.
func (p *Payload) SetValue(name string, v any) {
	if p.Values == nil {
		p.Values = map[string]any{}
	}
	p.Values[name] = v
}

// IsZero reports whether the payload carries nothing.
func (p Payload) IsZero() bool {
	return len(p.Counts) == 0 && len(p.Flags) == 0 && len(p.Values) == 0
}

// PhaseData is the JSON document stored in a record's per-phase field.
type PhaseData struct {
	PhaseName        string    `json:"phase_name"`
	Status           string    `json:"status"`
	StartTimestamp   time.Time `json:"start_timestamp"`
	EndTimestamp     time.Time `json:"end_timestamp"`
	ActualDuration   string    `json:"actual_run_duration"`
	ExpectedDuration string    `json:"expected_run_duration,omitempty"`
	SkipReason       string    `json:"skip_reason,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorDetail  string `json:"error_detail,omitempty"`

	Payload
}

// Marshal encodes the document for Store.UpdatePhaseField.
func (d PhaseData) Marshal() (json.RawMessage, error) {
	return json.Marshal(d)
}
