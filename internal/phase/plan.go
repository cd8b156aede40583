package phase

import (
	"fmt"

	"github.com/alexhall/foreman/internal/dispatch"
	"github.com/alexhall/foreman/internal/engine"
	"github.com/alexhall/foreman/internal/task"
	"github.com/alexhall/foreman/internal/worker"
)

// Plan handles decomposable tasks: a NEW task whose target names several
// units (comma-separated) fans out one sub-request per unit. The dispatcher
// joins the pieces under the configured synthesis policy; the joined result
// goes through review like any other tentative success.
type Plan struct {
	name         string
	capabilities []string
	reviewHint   string
}

// NewPlan creates a planning phase handler.
func NewPlan(name string, capabilities []string, reviewHint string) *Plan {
	return &Plan{name: name, capabilities: capabilities, reviewHint: reviewHint}
}

// Name implements engine.PhaseHandler.
func (p *Plan) Name() string { return p.name }

func (p *Plan) takes(t *task.Task, statuses map[string]task.Status) bool {
	return t.Status == task.StatusNew &&
		t.ErrorContext == nil &&
		depsCompleted(t, statuses) &&
		len(splitTargets(t.Target)) > 1
}

// EligibleWork counts decomposable NEW tasks with satisfied dependencies.
func (p *Plan) EligibleWork(snapshot []*task.Task) int {
	statuses := statusIndex(snapshot)
	n := 0
	for _, t := range snapshot {
		if p.takes(t, statuses) {
			n++
		}
	}
	return n
}

// Prepare claims the highest-priority decomposable task and builds one
// sub-request per target unit.
func (p *Plan) Prepare(snapshot []*task.Task) (engine.Step, bool) {
	statuses := statusIndex(snapshot)
	for _, t := range byPriority(snapshot) {
		if !p.takes(t, statuses) {
			continue
		}
		units := splitTargets(t.Target)
		subs := make([]worker.Request, 0, len(units))
		for _, unit := range units {
			subs = append(subs, worker.Request{
				TaskID:       t.ID,
				Instructions: t.Description,
				Context:      map[string]string{"target": unit},
			})
		}
		return engine.Step{
			TaskID:       t.ID,
			Claim:        true,
			SubRequests:  subs,
			Capabilities: append([]string(nil), p.capabilities...),
		}, true
	}
	return engine.Step{}, false
}

// Interpret mirrors the work phase: a synthesis failure is a task failure
// with signatures, a joined result is a tentative success.
func (p *Plan) Interpret(taskID string, res dispatch.Result, dispatchErr error) engine.Interpretation {
	if dispatchErr != nil {
		msg := dispatchErr.Error()
		return engine.Interpretation{
			Kind:       engine.Failure,
			Error:      &task.ErrorContext{Message: msg, Phase: p.name},
			Signatures: task.NewSignatureSet(task.ProgressSignature{Kind: "synthesis_error", Message: msg, Location: taskID}),
			Action:     actionFor(p.name, targetRef{taskID}, msg, true),
		}
	}
	if res.Response.Err != "" {
		sigs := signaturesFrom(res.Response, "worker_error", res.Response.Err, taskID)
		return engine.Interpretation{
			Kind:       engine.Failure,
			Error:      &task.ErrorContext{Message: fmt.Sprintf("worker %s: %s", res.Endpoint, res.Response.Err), Phase: p.name},
			Signatures: sigs,
			Action:     actionFor(p.name, targetRef{taskID}, res.Response.Err, true),
		}
	}
	return engine.Interpretation{
		Kind:     engine.TentativeSuccess,
		Result:   res.Response.Content,
		Action:   actionFor(p.name, targetRef{taskID}, res.Response.Content, false),
		NextHint: p.reviewHint,
	}
}
