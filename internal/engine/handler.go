package engine

import (
	"fmt"
	"time"

	"github.com/alexhall/foreman/internal/dispatch"
	"github.com/alexhall/foreman/internal/loopguard"
	"github.com/alexhall/foreman/internal/schedule"
	"github.com/alexhall/foreman/internal/task"
	"github.com/alexhall/foreman/internal/worker"
)

// Step is one unit of dispatchable work a phase handler prepared.
type Step struct {
	TaskID       string
	Claim        bool             // transition NEW -> IN_PROGRESS before dispatch
	Request      worker.Request   // single dispatch
	SubRequests  []worker.Request // fan-out dispatch when non-empty
	Capabilities []string         // required worker tags
	Timeout      time.Duration    // 0 = engine default
}

// ResultKind tags how a handler interpreted a dispatch result.
type ResultKind int

const (
	// TentativeSuccess moves the task to QA_PENDING.
	TentativeSuccess ResultKind = iota
	// Failure moves the task to FAILED with error context.
	Failure
	// QAPassed completes a QA_PENDING task.
	QAPassed
	// QAFailed rejects a QA_PENDING task's result.
	QAFailed
)

// Interpretation is a handler's reading of one dispatch result: the store
// transition to apply, the progress signatures for the loop guard, and an
// optional scheduling hint for the next decision.
type Interpretation struct {
	Kind       ResultKind
	Result     string             // worker output on TentativeSuccess
	Error      *task.ErrorContext // required for Failure and QAFailed
	Signatures task.SignatureSet
	Action     loopguard.ActionSignature
	NextHint   string // phase to prefer next, "" for none
}

// PhaseHandler is the engine's contract with phase business logic. The
// engine owns claiming, dispatching, store mutation, and loop guarding;
// the handler owns what to ask a worker and what the answer means.
type PhaseHandler interface {
	// Name identifies the phase to the scheduler and registry.
	Name() string
	// EligibleWork counts tasks this phase could act on in the snapshot.
	EligibleWork(snapshot []*task.Task) int
	// Prepare picks a task and builds its request. ok=false means nothing
	// actionable right now despite EligibleWork's estimate.
	Prepare(snapshot []*task.Task) (Step, bool)
	// Interpret turns a dispatch result (or dispatch error) into store and
	// guard updates.
	Interpret(taskID string, res dispatch.Result, dispatchErr error) Interpretation
}

// Registry maps phase names to handlers, preserving registration order for
// the scheduler's tie-break.
type Registry struct {
	handlers map[string]PhaseHandler
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]PhaseHandler)}
}

// Register adds a handler. Duplicate names are an error.
func (r *Registry) Register(h PhaseHandler) error {
	name := h.Name()
	if name == "" {
		return fmt.Errorf("phase handler has empty name")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("phase %s already registered", name)
	}
	r.handlers[name] = h
	r.order = append(r.order, name)
	return nil
}

// Get returns the handler for a phase name.
func (r *Registry) Get(name string) (PhaseHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Candidates returns the handlers in registration order for the scheduler.
func (r *Registry) Candidates() []schedule.Candidate {
	out := make([]schedule.Candidate, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name])
	}
	return out
}

// Names returns the registered phase names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
