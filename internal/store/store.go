package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexhall/foreman/internal/task"
)

var (
	// ErrNotFound is returned when a task ID is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyClaimed is returned when Claim races another claim or the
	// task is not in StatusNew. Claims fail fast rather than block.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrDuplicateID is returned when adding a task whose ID exists.
	ErrDuplicateID = errors.New("task id already exists")
	// ErrNotReactivatable is returned when Reactivate is called on a task
	// outside {SKIPPED, FAILED, QA_FAILED}.
	ErrNotReactivatable = errors.New("task not in a reactivatable status")
	// ErrBadTransition is returned for any other illegal status change.
	ErrBadTransition = errors.New("illegal status transition")
)

// OutcomeKind tags the result of one execution attempt.
type OutcomeKind int

const (
	// OutcomeTentativeSuccess moves the task to QA_PENDING.
	OutcomeTentativeSuccess OutcomeKind = iota
	// OutcomeFailure moves the task to FAILED and records error context.
	OutcomeFailure
)

// Outcome is what a phase reports back after an execution attempt.
type Outcome struct {
	Kind   OutcomeKind
	Result string             // Worker output on tentative success
	Error  *task.ErrorContext // Required for OutcomeFailure
}

// TaskStore owns the authoritative task set. Every mutation runs as a
// short transaction under one mutex, so invariants stay single-writer
// simple while dispatches run concurrently elsewhere.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	order []string // insertion order, for deterministic listings
}

// New creates an empty TaskStore.
func New() *TaskStore {
	return &TaskStore{tasks: make(map[string]*task.Task)}
}

// Add inserts a new task. The task enters as StatusNew unless it already
// carries a status (snapshot restore path).
func (s *TaskStore) Add(t *task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task has empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}

	cp := t.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.tasks[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	return nil
}

// Get returns a copy of the task.
func (s *TaskStore) Get(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Snapshot returns copies of all tasks in insertion order.
func (s *TaskStore) Snapshot() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Claim atomically transitions NEW -> IN_PROGRESS and increments attempts.
// Concurrent claims on the same task fail fast with ErrAlreadyClaimed.
func (s *TaskStore) Claim(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != task.StatusNew {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyClaimed, id, t.Status)
	}

	t.Status = task.StatusInProgress
	t.Attempts++
	return t.Clone(), nil
}

// RecordOutcome transitions IN_PROGRESS -> QA_PENDING on tentative success
// or IN_PROGRESS -> FAILED with error context on failure.
func (s *TaskStore) RecordOutcome(id string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != task.StatusInProgress {
		return fmt.Errorf("%w: record outcome on %s task %s", ErrBadTransition, t.Status, id)
	}

	switch outcome.Kind {
	case OutcomeTentativeSuccess:
		t.Status = task.StatusQAPending
		t.Result = outcome.Result
	case OutcomeFailure:
		if outcome.Error == nil {
			return fmt.Errorf("failure outcome for %s has no error context", id)
		}
		t.Status = task.StatusFailed
		ec := outcome.Error.Clone()
		ec.Attempt = t.Attempts
		if ec.RecordedAt.IsZero() {
			ec.RecordedAt = time.Now()
		}
		t.ErrorContext = ec
	default:
		return fmt.Errorf("unknown outcome kind %d", outcome.Kind)
	}
	return nil
}

// ResolveQA transitions QA_PENDING -> COMPLETED when the verification phase
// accepts the result, or QA_PENDING -> QA_FAILED with error context when it
// rejects.
func (s *TaskStore) ResolveQA(id string, passed bool, ec *task.ErrorContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != task.StatusQAPending {
		return fmt.Errorf("%w: resolve QA on %s task %s", ErrBadTransition, t.Status, id)
	}

	if passed {
		t.Status = task.StatusCompleted
		return nil
	}

	if ec == nil {
		return fmt.Errorf("QA rejection for %s has no error context", id)
	}
	t.Status = task.StatusQAFailed
	cp := ec.Clone()
	cp.Attempt = t.Attempts
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = time.Now()
	}
	t.ErrorContext = cp
	return nil
}

// Reactivate returns a task in {SKIPPED, FAILED, QA_FAILED} to StatusNew.
// Attempts reset to zero and the reactivation counter increments, but the
// error context is deliberately kept: the next attempt must see why the
// last one failed, or it will repeat the same mistake.
func (s *TaskStore) Reactivate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.Status.Reactivatable() {
		return fmt.Errorf("%w: %s is %s", ErrNotReactivatable, id, t.Status)
	}

	t.Status = task.StatusNew
	t.Attempts = 0
	t.Reactivations++
	return nil
}

// Skip marks a task SKIPPED with a human-readable reason. Used when a task
// exhausts its attempt budget or the escalation ladder.
func (s *TaskStore) Skip(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status == task.StatusCompleted {
		return fmt.Errorf("%w: skip completed task %s", ErrBadTransition, id)
	}

	t.Status = task.StatusSkipped
	ec := &task.ErrorContext{
		Message:    reason,
		Attempt:    t.Attempts,
		RecordedAt: time.Now(),
	}
	if t.ErrorContext != nil {
		// Keep the last failure signatures alongside the skip reason.
		ec.Signatures = append([]task.ProgressSignature(nil), t.ErrorContext.Signatures...)
		ec.Phase = t.ErrorContext.Phase
	}
	t.ErrorContext = ec
	return nil
}

// Eligible returns copies of tasks in StatusNew whose dependencies are all
// COMPLETED, ordered by priority (descending) then insertion order.
func (s *TaskStore) Eligible() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status != task.StatusNew {
			continue
		}
		if s.depsCompletedLocked(t) {
			out = append(out, t.Clone())
		}
	}

	// Stable: equal priorities keep insertion order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PendingWork reports whether any task could still make progress: anything
// not COMPLETED or SKIPPED.
func (s *TaskStore) PendingWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusCompleted, task.StatusSkipped:
		default:
			return true
		}
	}
	return false
}

// CountByStatus returns the number of tasks per status.
func (s *TaskStore) CountByStatus() map[task.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[task.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts
}

func (s *TaskStore) depsCompletedLocked(t *task.Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}
