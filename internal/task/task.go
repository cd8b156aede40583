package task

import (
	"time"
)

// Status represents the current state of a task.
type Status int

const (
	StatusNew        Status = iota // Runnable, not yet claimed
	StatusInProgress               // Claimed, execution in flight
	StatusQAPending                // Tentative success, awaiting verification
	StatusQAFailed                 // Verification rejected the result
	StatusFailed                   // Execution produced an application error
	StatusCompleted                // Verified and done
	StatusSkipped                  // Terminally abandoned (reactivatable)
)

// String returns the snapshot-stable name of the status.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusQAPending:
		return "QA_PENDING"
	case StatusQAFailed:
		return "QA_FAILED"
	case StatusFailed:
		return "FAILED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is a resting state. Failed, QAFailed
// and Skipped are soft-terminal: Reactivate can return them to StatusNew.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusFailed, StatusQAFailed:
		return true
	}
	return false
}

// Reactivatable reports whether a task in this status may be returned to
// StatusNew. All three failure-flavored terminal states qualify.
func (s Status) Reactivatable() bool {
	switch s {
	case StatusSkipped, StatusFailed, StatusQAFailed:
		return true
	}
	return false
}

// ErrorContext carries the diagnostic payload of the most recent failure.
// It survives reactivation so the next attempt knows why the last one died.
type ErrorContext struct {
	Message    string              `json:"message"`
	Phase      string              `json:"phase,omitempty"`
	Signatures []ProgressSignature `json:"signatures,omitempty"`
	Attempt    int                 `json:"attempt"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Clone returns a deep copy.
func (ec *ErrorContext) Clone() *ErrorContext {
	if ec == nil {
		return nil
	}
	cp := *ec
	if ec.Signatures != nil {
		cp.Signatures = append([]ProgressSignature(nil), ec.Signatures...)
	}
	return &cp
}

// Task is a unit of work tracked through the status lifecycle.
type Task struct {
	ID            string // Unique, stable identifier
	Description   string // Human-readable description
	Target        string // Opaque reference to the unit of work (e.g. a file path)
	Status        Status
	Attempts      int           // Claims since creation or last reactivation
	Priority      int           // Higher runs first within a phase
	DependsOn     []string      // Task IDs that must be COMPLETED first
	ErrorContext  *ErrorContext // Non-nil iff the task has failed at least once
	Result        string        // Output from the last successful execution
	CreatedAt     time.Time
	Reactivations int // Times the task was returned from a terminal state
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	cp.ErrorContext = t.ErrorContext.Clone()
	return &cp
}
