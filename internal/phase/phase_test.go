package phase

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhall/foreman/internal/config"
	"github.com/alexhall/foreman/internal/dispatch"
	"github.com/alexhall/foreman/internal/engine"
	"github.com/alexhall/foreman/internal/task"
	"github.com/alexhall/foreman/internal/worker"
)

func snapshot() []*task.Task {
	return []*task.Task{
		{ID: "fresh", Description: "do fresh", Target: "a.go", Status: task.StatusNew, CreatedAt: time.Now()},
		{ID: "multi", Description: "do multi", Target: "b.go, c.go", Status: task.StatusNew},
		{ID: "retry", Description: "do retry", Target: "d.go", Status: task.StatusNew,
			ErrorContext: &task.ErrorContext{Message: "boom"}, Reactivations: 1},
		{ID: "blocked", Description: "do blocked", Target: "e.go", Status: task.StatusNew, DependsOn: []string{"fresh"}},
		{ID: "pending", Description: "do pending", Target: "f.go", Status: task.StatusQAPending, Result: "out"},
	}
}

func TestWorkTakesFreshSingleTargetOnly(t *testing.T) {
	w := NewWork("execution", []string{"code"}, "verification")
	snap := snapshot()

	assert.Equal(t, 1, w.EligibleWork(snap))

	step, ok := w.Prepare(snap)
	require.True(t, ok)
	assert.Equal(t, "fresh", step.TaskID)
	assert.True(t, step.Claim)
	assert.Equal(t, []string{"code"}, step.Capabilities)
	assert.Equal(t, "do fresh", step.Request.Instructions)
	assert.Equal(t, "a.go", step.Request.Context["target"])
}

func TestRepairTakesReactivatedTasks(t *testing.T) {
	r := NewRepair("repair", nil, "verification")
	snap := snapshot()

	assert.Equal(t, 1, r.EligibleWork(snap))

	step, ok := r.Prepare(snap)
	require.True(t, ok)
	assert.Equal(t, "retry", step.TaskID)
	// The previous failure rides along so the worker can avoid repeating it.
	assert.Equal(t, "boom", step.Request.Context["previous_error"])
	assert.Equal(t, "1", step.Request.Context["activation"])
}

func TestWorkPrefersHigherPriority(t *testing.T) {
	w := NewWork("execution", nil, "")
	snap := []*task.Task{
		{ID: "low", Description: "low", Target: "a", Status: task.StatusNew, Priority: 1},
		{ID: "high", Description: "high", Target: "b", Status: task.StatusNew, Priority: 5},
	}
	step, ok := w.Prepare(snap)
	require.True(t, ok)
	assert.Equal(t, "high", step.TaskID)
}

func TestWorkInterpret(t *testing.T) {
	w := NewWork("execution", nil, "verification")

	interp := w.Interpret("t1", dispatch.Result{}, errors.New("no endpoint"))
	assert.Equal(t, engine.Failure, interp.Kind)
	require.NotNil(t, interp.Error)
	assert.Equal(t, "execution", interp.Error.Phase)
	assert.Len(t, interp.Signatures, 1)
	assert.True(t, interp.Action.Failed)

	diag, _ := json.Marshal([]task.ProgressSignature{
		{Kind: "compile_error", Message: "undefined x", Location: "a.go:10"},
	})
	res := dispatch.Result{Endpoint: "w1", Response: worker.Response{
		Err:   "build failed",
		Calls: []worker.Call{{Name: "diagnostics", Args: diag}},
	}}
	interp = w.Interpret("t1", res, nil)
	assert.Equal(t, engine.Failure, interp.Kind)
	assert.Contains(t, interp.Error.Message, "build failed")
	_, ok := interp.Signatures[task.ProgressSignature{Kind: "compile_error", Message: "undefined x", Location: "a.go:10"}]
	assert.True(t, ok, "diagnostics call signatures should be used verbatim")

	interp = w.Interpret("t1", dispatch.Result{Response: worker.Response{Content: "done"}}, nil)
	assert.Equal(t, engine.TentativeSuccess, interp.Kind)
	assert.Equal(t, "done", interp.Result)
	assert.Equal(t, "verification", interp.NextHint)
	assert.False(t, interp.Action.Failed)
}

func TestWorkFallbackSignatureWhenNoDiagnostics(t *testing.T) {
	w := NewWork("execution", nil, "")
	res := dispatch.Result{Response: worker.Response{Err: "flaky"}}
	interp := w.Interpret("t1", res, nil)
	require.Len(t, interp.Signatures, 1)
	sig := interp.Signatures.Slice()[0]
	assert.Equal(t, "worker_error", sig.Kind)
	assert.Equal(t, "flaky", sig.Message)
}

func TestReviewPrepareCarriesResult(t *testing.T) {
	r := NewReview("verification", []string{"review"})
	snap := snapshot()

	assert.Equal(t, 1, r.EligibleWork(snap))

	step, ok := r.Prepare(snap)
	require.True(t, ok)
	assert.Equal(t, "pending", step.TaskID)
	assert.False(t, step.Claim, "review must not claim: the task stays QA_PENDING")
	assert.Equal(t, "out", step.Request.Context["result"])
}

func TestReviewVerdicts(t *testing.T) {
	r := NewReview("verification", nil)

	verdict := func(pass bool, reason string) worker.Response {
		args, _ := json.Marshal(map[string]any{"pass": pass, "reason": reason})
		return worker.Response{Calls: []worker.Call{{Name: "verdict", Args: args}}}
	}

	interp := r.Interpret("t1", dispatch.Result{Response: verdict(true, "")}, nil)
	assert.Equal(t, engine.QAPassed, interp.Kind)

	interp = r.Interpret("t1", dispatch.Result{Response: verdict(false, "tests fail")}, nil)
	assert.Equal(t, engine.QAFailed, interp.Kind)
	assert.Contains(t, interp.Error.Message, "tests fail")
	assert.True(t, interp.Action.Failed)

	// Plain-content fallback.
	interp = r.Interpret("t1", dispatch.Result{Response: worker.Response{Content: "pass"}}, nil)
	assert.Equal(t, engine.QAPassed, interp.Kind)

	interp = r.Interpret("t1", dispatch.Result{Response: worker.Response{Content: "nope"}}, nil)
	assert.Equal(t, engine.QAFailed, interp.Kind)

	// An unreachable reviewer rejects rather than completes.
	interp = r.Interpret("t1", dispatch.Result{}, errors.New("timeout"))
	assert.Equal(t, engine.QAFailed, interp.Kind)
}

func TestPlanFansOutPerTargetUnit(t *testing.T) {
	p := NewPlan("planning", []string{"plan"}, "verification")
	snap := snapshot()

	assert.Equal(t, 1, p.EligibleWork(snap))

	step, ok := p.Prepare(snap)
	require.True(t, ok)
	assert.Equal(t, "multi", step.TaskID)
	assert.True(t, step.Claim)
	require.Len(t, step.SubRequests, 2)
	assert.Equal(t, "b.go", step.SubRequests[0].Context["target"])
	assert.Equal(t, "c.go", step.SubRequests[1].Context["target"])

	interp := p.Interpret("multi", dispatch.Result{Response: worker.Response{Content: "joined"}}, nil)
	assert.Equal(t, engine.TentativeSuccess, interp.Kind)
	assert.Equal(t, "verification", interp.NextHint)
}

func TestSplitTargets(t *testing.T) {
	assert.Nil(t, splitTargets(""))
	assert.Equal(t, []string{"a"}, splitTargets("a"))
	assert.Equal(t, []string{"a", "b"}, splitTargets(" a , b "))
}

func TestBuildRegistry(t *testing.T) {
	reg, err := BuildRegistry(config.DefaultConfig().Phases)
	require.NoError(t, err)
	assert.Equal(t, []string{"planning", "execution", "verification", "repair"}, reg.Names())

	_, err = BuildRegistry(map[string]config.PhaseConfig{"mystery": {}})
	assert.Error(t, err)
}
