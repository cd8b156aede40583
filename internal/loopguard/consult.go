package loopguard

import (
	"context"
)

// DecisionKind is the supervising authority's verdict on a stuck task.
type DecisionKind int

const (
	// DecisionContinue lets the task retry as-is.
	DecisionContinue DecisionKind = iota
	// DecisionRedirect retries with a different worker capability.
	DecisionRedirect
	// DecisionTerminate abandons the task.
	DecisionTerminate
)

// Decision is the consultant's answer.
type Decision struct {
	Kind          DecisionKind
	CapabilityTag string // Redirect target
	Reason        string
}

// TaskContext is what a consultant sees about the stuck task.
type TaskContext struct {
	TaskID        string
	Description   string
	Attempts      int
	Signatures    string // Rendered signature set
	RecentActions []ActionSignature
}

// Consultant is the supervising authority behind the top of the escalation
// ladder. It may be a human operator, a separate agent, or a rule engine;
// the guard depends only on this contract and the caller's timeout.
type Consultant interface {
	Consult(ctx context.Context, level int, tc TaskContext) (Decision, error)
}

// RuleConsultant is the default non-interactive authority: terminate.
// Reaching it means every cheaper intervention already failed.
type RuleConsultant struct{}

// Consult always terminates.
func (RuleConsultant) Consult(_ context.Context, level int, tc TaskContext) (Decision, error) {
	return Decision{
		Kind:   DecisionTerminate,
		Reason: "escalation exhausted",
	}, nil
}

// query pairs a consultation request with its reply channel.
type query struct {
	level      int
	tc         TaskContext
	responseCh chan answer
}

type answer struct {
	decision Decision
	err      error
}

// AnswerFunc produces a decision for one consultation.
type AnswerFunc func(ctx context.Context, level int, tc TaskContext) (Decision, error)

// ChannelConsultant funnels consultations through a buffered channel to a
// single handler goroutine, so an interactive authority (an operator UI,
// another agent) answers one question at a time without blocking the
// engine beyond the caller's timeout.
type ChannelConsultant struct {
	queryCh  chan query
	answerFn AnswerFunc
	done     chan struct{}
}

// NewChannelConsultant creates a consultant with the given buffer size.
// Size the buffer at roughly twice the dispatch concurrency so senders
// rarely block.
func NewChannelConsultant(bufferSize int, answerFn AnswerFunc) *ChannelConsultant {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &ChannelConsultant{
		queryCh:  make(chan query, bufferSize),
		answerFn: answerFn,
		done:     make(chan struct{}),
	}
}

// Start launches the handler goroutine; it runs until ctx is cancelled.
func (c *ChannelConsultant) Start(ctx context.Context) {
	go c.handle(ctx)
}

func (c *ChannelConsultant) handle(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-c.queryCh:
			decision, err := c.answerFn(ctx, q.level, q.tc)

			select {
			case <-ctx.Done():
				q.responseCh <- answer{err: ctx.Err()}
				return
			default:
				q.responseCh <- answer{decision: decision, err: err}
			}
		}
	}
}

// Consult submits the question and waits for the answer or ctx expiry.
func (c *ChannelConsultant) Consult(ctx context.Context, level int, tc TaskContext) (Decision, error) {
	responseCh := make(chan answer, 1)

	select {
	case c.queryCh <- query{level: level, tc: tc, responseCh: responseCh}:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	select {
	case a := <-responseCh:
		return a.decision, a.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (c *ChannelConsultant) Stop() {
	<-c.done
}
