package events

import (
	"time"

	"github.com/alexhall/foreman/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicPhase      = "phase"
	TopicDispatch   = "dispatch"
	TopicEscalation = "escalation"
)

// Event type constants
const (
	EventTypeTaskClaimed      = "task.claimed"
	EventTypeTaskOutcome      = "task.outcome"
	EventTypeTaskQAResolved   = "task.qa_resolved"
	EventTypeTaskReactivated  = "task.reactivated"
	EventTypeTaskSkipped      = "task.skipped"
	EventTypePhaseSelected    = "phase.selected"
	EventTypeDispatchStarted  = "dispatch.started"
	EventTypeDispatchFinished = "dispatch.finished"
	EventTypeEscalationRaised = "escalation.raised"
)

// TaskClaimedEvent is published when a task moves into execution.
type TaskClaimedEvent struct {
	ID        string
	Phase     string
	Attempt   int
	Timestamp time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) TaskID() string    { return e.ID }

// TaskOutcomeEvent is published when an attempt's outcome is recorded.
type TaskOutcomeEvent struct {
	ID        string
	Status    task.Status
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskOutcomeEvent) EventType() string { return EventTypeTaskOutcome }
func (e TaskOutcomeEvent) TaskID() string    { return e.ID }

// TaskQAResolvedEvent is published when a tentative success is verified or
// rejected.
type TaskQAResolvedEvent struct {
	ID        string
	Passed    bool
	Timestamp time.Time
}

func (e TaskQAResolvedEvent) EventType() string { return EventTypeTaskQAResolved }
func (e TaskQAResolvedEvent) TaskID() string    { return e.ID }

// TaskReactivatedEvent is published when a terminal-ish task returns to NEW.
type TaskReactivatedEvent struct {
	ID            string
	FromStatus    task.Status
	Reactivations int
	Timestamp     time.Time
}

func (e TaskReactivatedEvent) EventType() string { return EventTypeTaskReactivated }
func (e TaskReactivatedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when a task is abandoned.
type TaskSkippedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// PhaseSelectedEvent is published for every scheduler decision, including
// hint overrides.
type PhaseSelectedEvent struct {
	Phase     string
	HintUsed  bool
	Eligible  int
	Timestamp time.Time
}

func (e PhaseSelectedEvent) EventType() string { return EventTypePhaseSelected }
func (e PhaseSelectedEvent) TaskID() string    { return "" }

// DispatchStartedEvent is published when a request leaves for a worker.
type DispatchStartedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e DispatchStartedEvent) EventType() string { return EventTypeDispatchStarted }
func (e DispatchStartedEvent) TaskID() string    { return e.ID }

// DispatchFinishedEvent is published when a dispatch returns or fails.
type DispatchFinishedEvent struct {
	ID        string
	Endpoint  string
	Attempts  int
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e DispatchFinishedEvent) EventType() string { return EventTypeDispatchFinished }
func (e DispatchFinishedEvent) TaskID() string    { return e.ID }

// EscalationRaisedEvent is published whenever the loop guard intervenes.
type EscalationRaisedEvent struct {
	ID           string
	Level        int
	Intervention string
	Reason       string
	Timestamp    time.Time
}

func (e EscalationRaisedEvent) EventType() string { return EventTypeEscalationRaised }
func (e EscalationRaisedEvent) TaskID() string    { return e.ID }
