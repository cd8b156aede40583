package phase

import (
	"fmt"

	"github.com/alexhall/foreman/internal/dispatch"
	"github.com/alexhall/foreman/internal/engine"
	"github.com/alexhall/foreman/internal/task"
	"github.com/alexhall/foreman/internal/worker"
)

// Review verifies QA_PENDING results. It never claims: the task stays in
// QA_PENDING while the verdict is out, and the engine's in-flight registry
// prevents double review.
type Review struct {
	name         string
	capabilities []string
}

// NewReview creates a review phase handler.
func NewReview(name string, capabilities []string) *Review {
	return &Review{name: name, capabilities: capabilities}
}

// Name implements engine.PhaseHandler.
func (r *Review) Name() string { return r.name }

// EligibleWork counts tasks awaiting verification.
func (r *Review) EligibleWork(snapshot []*task.Task) int {
	n := 0
	for _, t := range snapshot {
		if t.Status == task.StatusQAPending {
			n++
		}
	}
	return n
}

// Prepare builds a verification request carrying the candidate result.
func (r *Review) Prepare(snapshot []*task.Task) (engine.Step, bool) {
	for _, t := range byPriority(snapshot) {
		if t.Status != task.StatusQAPending {
			continue
		}
		return engine.Step{
			TaskID: t.ID,
			Request: worker.Request{
				TaskID:       t.ID,
				Instructions: "verify: " + t.Description,
				Context: map[string]string{
					"target": t.Target,
					"result": t.Result,
				},
			},
			Capabilities: append([]string(nil), r.capabilities...),
		}, true
	}
	return engine.Step{}, false
}

// Interpret turns the reviewer's verdict into QAPassed or QAFailed. A
// failed dispatch of the review itself also rejects: an unverifiable
// result cannot complete.
func (r *Review) Interpret(taskID string, res dispatch.Result, dispatchErr error) engine.Interpretation {
	if dispatchErr != nil {
		msg := dispatchErr.Error()
		return engine.Interpretation{
			Kind:       engine.QAFailed,
			Error:      &task.ErrorContext{Message: "verification unavailable: " + msg, Phase: r.name},
			Signatures: task.NewSignatureSet(task.ProgressSignature{Kind: "dispatch_error", Message: msg, Location: taskID}),
			Action:     actionFor(r.name, targetRef{taskID}, msg, true),
		}
	}

	pass, reason := verdictFrom(res.Response)
	if pass {
		return engine.Interpretation{
			Kind:   engine.QAPassed,
			Action: actionFor(r.name, targetRef{taskID}, "pass", false),
		}
	}

	sigs := signaturesFrom(res.Response, "qa_reject", reason, taskID)
	return engine.Interpretation{
		Kind:       engine.QAFailed,
		Error:      &task.ErrorContext{Message: fmt.Sprintf("verification rejected: %s", reason), Phase: r.name},
		Signatures: sigs,
		Action:     actionFor(r.name, targetRef{taskID}, reason, true),
	}
}
