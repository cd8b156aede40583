package phase

import (
	"fmt"
	"strconv"

	"github.com/alexhall/foreman/internal/dispatch"
	"github.com/alexhall/foreman/internal/engine"
	"github.com/alexhall/foreman/internal/task"
	"github.com/alexhall/foreman/internal/worker"
)

// Work executes NEW tasks whose dependencies are all COMPLETED. A tentative
// success hands the task to the review phase via the scheduling hint.
//
// Two flavors share the type: the execution flavor takes first-activation
// tasks, the repair flavor takes reactivated ones (ErrorContext set). The
// split keeps repair work schedulable on its own weight instead of
// competing inside one phase.
type Work struct {
	name         string
	capabilities []string
	reviewHint   string // phase to prefer after a tentative success, "" for none
	repair       bool
}

// NewWork creates the execution-flavor work phase. Multi-target tasks are
// left for the planning phase.
func NewWork(name string, capabilities []string, reviewHint string) *Work {
	return &Work{name: name, capabilities: capabilities, reviewHint: reviewHint}
}

// NewRepair creates the repair-flavor work phase: it only takes tasks that
// carry an error context from a previous activation.
func NewRepair(name string, capabilities []string, reviewHint string) *Work {
	return &Work{name: name, capabilities: capabilities, reviewHint: reviewHint, repair: true}
}

// Name implements engine.PhaseHandler.
func (w *Work) Name() string { return w.name }

func (w *Work) takes(t *task.Task, statuses map[string]task.Status) bool {
	if t.Status != task.StatusNew || !depsCompleted(t, statuses) {
		return false
	}
	if w.repair {
		return t.ErrorContext != nil
	}
	return t.ErrorContext == nil && len(splitTargets(t.Target)) <= 1
}

// EligibleWork counts NEW tasks with satisfied dependencies.
func (w *Work) EligibleWork(snapshot []*task.Task) int {
	statuses := statusIndex(snapshot)
	n := 0
	for _, t := range snapshot {
		if w.takes(t, statuses) {
			n++
		}
	}
	return n
}

// Prepare claims the highest-priority eligible task and builds its request.
// The previous failure, if any, rides along so the worker can avoid
// repeating it.
func (w *Work) Prepare(snapshot []*task.Task) (engine.Step, bool) {
	statuses := statusIndex(snapshot)
	for _, t := range byPriority(snapshot) {
		if !w.takes(t, statuses) {
			continue
		}
		reqCtx := map[string]string{"target": t.Target}
		if t.ErrorContext != nil {
			reqCtx["previous_error"] = t.ErrorContext.Message
			reqCtx["activation"] = strconv.Itoa(t.Reactivations)
		}
		return engine.Step{
			TaskID:       t.ID,
			Claim:        true,
			Request:      worker.Request{TaskID: t.ID, Instructions: t.Description, Context: reqCtx},
			Capabilities: append([]string(nil), w.capabilities...),
		}, true
	}
	return engine.Step{}, false
}

// Interpret maps a dispatch result onto the task lifecycle: transport and
// worker-reported errors become FAILED with signatures for the loop guard,
// anything else is a tentative success awaiting review.
func (w *Work) Interpret(taskID string, res dispatch.Result, dispatchErr error) engine.Interpretation {
	if dispatchErr != nil {
		msg := dispatchErr.Error()
		sigs := task.NewSignatureSet(task.ProgressSignature{
			Kind: "dispatch_error", Message: msg, Location: taskID,
		})
		return engine.Interpretation{
			Kind:       engine.Failure,
			Error:      &task.ErrorContext{Message: msg, Phase: w.name},
			Signatures: sigs,
			Action:     actionFor(w.name, targetRef{taskID}, msg, true),
		}
	}

	if res.Response.Err != "" {
		sigs := signaturesFrom(res.Response, "worker_error", res.Response.Err, taskID)
		return engine.Interpretation{
			Kind:       engine.Failure,
			Error:      &task.ErrorContext{Message: fmt.Sprintf("worker %s: %s", res.Endpoint, res.Response.Err), Phase: w.name},
			Signatures: sigs,
			Action:     actionFor(w.name, targetRef{taskID}, res.Response.Err, true),
		}
	}

	return engine.Interpretation{
		Kind:     engine.TentativeSuccess,
		Result:   res.Response.Content,
		Action:   actionFor(w.name, targetRef{taskID}, res.Response.Content, false),
		NextHint: w.reviewHint,
	}
}
