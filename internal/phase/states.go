// Package phase drives the ordered phases of one run through their state
// machine and persists every transition on the drive record.
package phase

import "sync"

// State is the interface that all phase states must implement
type State interface {
	Name() string
}

// State names
const (
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateSkipped   = "SKIPPED"
)

// PendingState - phase listed in phases_pending, not started
type PendingState struct{}

func (s *PendingState) Name() string { return StatePending }
func (s *PendingState) ToRunning() *RunningState {
	return &RunningState{}
}
func (s *PendingState) ToSkipped(reason string) *SkippedState {
	return &SkippedState{Reason: reason}
}

// RunningState - handler invoked
type RunningState struct{}

func (s *RunningState) Name() string { return StateRunning }
func (s *RunningState) ToCompleted() *CompletedState {
	return &CompletedState{}
}
func (s *RunningState) ToFailed(message string) *FailedState {
	return &FailedState{Message: message}
}
func (s *RunningState) ToSkipped(reason string) *SkippedState {
	return &SkippedState{Reason: reason}
}

// Terminal States

// CompletedState - handler returned without the stop flag
type CompletedState struct{}

func (s *CompletedState) Name() string { return StateCompleted }

// FailedState - handler stopped, returned an error or panicked
type FailedState struct {
	Message string
}

func (s *FailedState) Name() string { return StateFailed }

// SkippedState - disabled or already completed
type SkippedState struct {
	Reason string
}

func (s *SkippedState) Name() string { return StateSkipped }

// Skip reasons
const (
	SkipDisabled         = "disabled"
	SkipAlreadyCompleted = "already completed"
)

// StateRecorder tracks state transitions per phase for testing
type StateRecorder struct {
	mu    sync.Mutex
	order []string
	paths map[string][]string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{paths: make(map[string][]string)}
}

func (r *StateRecorder) Record(phase string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.paths[phase]; !seen {
		r.order = append(r.order, phase)
	}
	r.paths[phase] = append(r.paths[phase], state.Name())
}

// Path returns the states a phase went through.
func (r *StateRecorder) Path(phase string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths[phase]...)
}

// Phases returns the phases seen, in first-visit order.
func (r *StateRecorder) Phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}
