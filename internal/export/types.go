// Package export wraps remux executions as cancellable background jobs
// with an observable state machine, and records their outcomes.
package export

import (
	"errors"
	"time"
)

// Job states. Transitions are monotone: pending → running → one of the
// terminal states. Terminal states are final; a new edit needs a new job.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("export job not found")
	// ErrExportInProgress rejects a second concurrent export of the
	// same source file.
	ErrExportInProgress = errors.New("an export is already running for this source")
	// ErrNotCancellable means the job already reached a terminal state.
	ErrNotCancellable = errors.New("export job is not cancellable")
)

// Snapshot is the poll view of a job. State, progress and error are
// written only by the job's own worker goroutine; readers get a copy.
type Snapshot struct {
	ID           string    `json:"id"`
	SourcePath   string    `json:"source_path"`
	OutputPath   string    `json:"output_path"`
	OutputFormat string    `json:"output_format"`
	State        string    `json:"state"`
	Progress     float64   `json:"progress"`
	Error        string    `json:"error,omitempty"`
	Diagnostics  []string  `json:"diagnostics,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
