package loopguard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhall/foreman/internal/task"
)

func sigA() task.ProgressSignature {
	return task.ProgressSignature{Kind: "KeyError", Message: "'url'", Location: "pool.py:72"}
}

func sigB() task.ProgressSignature {
	return task.ProgressSignature{Kind: "TypeError", Message: "nil deref", Location: "conn.py:18"}
}

func action(op string, failed bool) ActionSignature {
	return ActionSignature{Operation: op, Target: "t", OutcomeHash: HashOutcome(op), Failed: failed}
}

func newTestGuard(c Consultant) *Guard {
	opts := DefaultOptions()
	opts.ConsultTimeout = 50 * time.Millisecond
	return New(opts, c, nil)
}

// Identical signature sets across attempts must raise the level each time;
// changing sets must reset it, even when the same action repeats.
func TestRepeatedSignatureEscalatesChangedSignatureResets(t *testing.T) {
	g := newTestGuard(nil)
	ctx := context.Background()

	// {A}, {A}, {A}: strictly increasing level.
	prev := -1
	for i := 0; i < 3; i++ {
		d := g.Update(ctx, "t1", action("run", true), task.NewSignatureSet(sigA()))
		assert.Greater(t, d.Level, prev, "attempt %d", i)
		prev = d.Level
	}

	// {A}, {B}, {}: transition then fix, level 0 after every step.
	for i, sigs := range []task.SignatureSet{
		task.NewSignatureSet(sigA()),
		task.NewSignatureSet(sigB()),
		task.NewSignatureSet(),
	} {
		d := g.Update(ctx, "t2", action("run", true), sigs)
		assert.Equal(t, 0, d.Level, "attempt %d", i)
		assert.Equal(t, InterventionNone, d.Kind, "attempt %d", i)
	}
}

// Two consecutive attempts with the same signature: STUCK on the second,
// level 0 -> 1.
func TestSecondIdenticalAttemptIsStuck(t *testing.T) {
	g := newTestGuard(nil)
	ctx := context.Background()

	d := g.Update(ctx, "t2", action("fix", true), task.NewSignatureSet(sigA()))
	assert.Equal(t, task.ClassNew, d.Classification)
	assert.Equal(t, 0, d.Level)

	d = g.Update(ctx, "t2", action("fix", true), task.NewSignatureSet(sigA()))
	assert.Equal(t, task.ClassStuck, d.Classification)
	assert.Equal(t, 1, d.Level)
	assert.Equal(t, InterventionWarn, d.Kind)
}

// A failing attempt followed by a clean one: FIXED, level reset.
func TestFixedResetsLevel(t *testing.T) {
	g := newTestGuard(nil)
	ctx := context.Background()

	g.Update(ctx, "t3", action("fix", true), task.NewSignatureSet(sigA()))
	g.Update(ctx, "t3", action("fix", true), task.NewSignatureSet(sigA()))
	require.Equal(t, 1, g.Level("t3"))

	d := g.Update(ctx, "t3", action("fix", false), task.NewSignatureSet())
	assert.Equal(t, task.ClassFixed, d.Classification)
	assert.Equal(t, 0, d.Level)
	assert.Equal(t, 0, g.Level("t3"))
}

// The set comparison is signature-aware: a persisting signature alongside a
// new one is still STUCK.
func TestOverlappingSetsAreStuck(t *testing.T) {
	g := newTestGuard(nil)
	ctx := context.Background()

	g.Update(ctx, "t1", action("run", true), task.NewSignatureSet(sigA()))
	d := g.Update(ctx, "t1", action("run", true), task.NewSignatureSet(sigA(), sigB()))
	assert.Equal(t, task.ClassStuck, d.Classification)
	assert.Equal(t, 1, d.Level)
}

func TestLadderRungs(t *testing.T) {
	g := newTestGuard(RuleConsultant{})
	ctx := context.Background()
	stuck := task.NewSignatureSet(sigA())

	wantKinds := []InterventionKind{
		InterventionNone,       // NEW
		InterventionWarn,       // level 1
		InterventionAlternate,  // level 2
		InterventionSpecialist, // level 3
		InterventionTerminate,  // level 4, rule consultant terminates
	}
	for i, want := range wantKinds {
		d := g.Update(ctx, "t1", action("run", true), stuck)
		assert.Equal(t, want, d.Kind, "attempt %d", i)
	}
}

func TestAlternateAndSpecialistCarryCapabilityTags(t *testing.T) {
	opts := DefaultOptions()
	opts.AlternateTag = "fallback-model"
	opts.SpecialistTag = "debug-specialist"
	g := New(opts, nil, nil)
	ctx := context.Background()
	stuck := task.NewSignatureSet(sigA())

	g.Update(ctx, "t1", action("run", true), stuck)
	g.Update(ctx, "t1", action("run", true), stuck)
	d := g.Update(ctx, "t1", action("run", true), stuck)
	assert.Equal(t, InterventionAlternate, d.Kind)
	assert.Equal(t, "fallback-model", d.CapabilityTag)

	d = g.Update(ctx, "t1", action("run", true), stuck)
	assert.Equal(t, InterventionSpecialist, d.Kind)
	assert.Equal(t, "debug-specialist", d.CapabilityTag)
}

func driveToConsult(t *testing.T, g *Guard, taskID string) InterventionDecision {
	t.Helper()
	ctx := context.Background()
	stuck := task.NewSignatureSet(sigA())
	var d InterventionDecision
	for i := 0; i < 5; i++ {
		d = g.Update(ctx, taskID, action("run", true), stuck)
	}
	require.Equal(t, 4, d.Level)
	return d
}

func TestConsultTimeoutTerminates(t *testing.T) {
	// A consultant that never answers: the guard must terminate within its
	// timeout, not block the engine.
	silent := NewChannelConsultant(1, func(ctx context.Context, _ int, _ TaskContext) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
	cctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	silent.Start(cctx)

	g := newTestGuard(silent)
	start := time.Now()
	d := driveToConsult(t, g, "t1")
	assert.Equal(t, InterventionTerminate, d.Kind)
	assert.Contains(t, d.Reason, "escalation exhausted")
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsultRedirectHonored(t *testing.T) {
	c := NewChannelConsultant(1, func(_ context.Context, level int, tc TaskContext) (Decision, error) {
		return Decision{Kind: DecisionRedirect, CapabilityTag: "gpu-pool"}, nil
	})
	cctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(cctx)

	g := newTestGuard(c)
	d := driveToConsult(t, g, "t1")
	assert.Equal(t, InterventionAlternate, d.Kind)
	assert.Equal(t, "gpu-pool", d.CapabilityTag)
}

func TestConsultContinueHonored(t *testing.T) {
	c := NewChannelConsultant(1, func(_ context.Context, _ int, _ TaskContext) (Decision, error) {
		return Decision{Kind: DecisionContinue, Reason: "operator override"}, nil
	})
	cctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(cctx)

	g := newTestGuard(c)
	d := driveToConsult(t, g, "t1")
	assert.Equal(t, InterventionWarn, d.Kind)
	assert.Equal(t, "operator override", d.Reason)
}

func TestConsultantSeesTaskContext(t *testing.T) {
	var seen TaskContext
	c := NewChannelConsultant(1, func(_ context.Context, _ int, tc TaskContext) (Decision, error) {
		seen = tc
		return Decision{Kind: DecisionTerminate}, nil
	})
	cctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(cctx)

	g := newTestGuard(c)
	driveToConsult(t, g, "t9")
	assert.Equal(t, "t9", seen.TaskID)
	assert.Contains(t, seen.Signatures, "KeyError")
	assert.NotEmpty(t, seen.RecentActions)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	g := newTestGuard(nil)
	ctx := context.Background()
	stuck := task.NewSignatureSet(sigA())

	g.Update(ctx, "t1", action("run", true), stuck)
	g.Update(ctx, "t1", action("run", true), stuck)
	snap, ok := g.State("t1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Level)

	g2 := newTestGuard(nil)
	g2.Restore(snap)
	assert.Equal(t, 1, g2.Level("t1"))

	// The restored state classifies the next identical attempt as STUCK.
	d := g2.Update(ctx, "t1", action("run", true), stuck)
	assert.Equal(t, task.ClassStuck, d.Classification)
	assert.Equal(t, 2, d.Level)
}

func TestForgetDropsState(t *testing.T) {
	g := newTestGuard(nil)
	g.Update(context.Background(), "t1", action("run", true), task.NewSignatureSet(sigA()))
	g.Forget("t1")
	assert.Equal(t, 0, g.Level("t1"))
	_, ok := g.State("t1")
	assert.False(t, ok)
}

func TestActionWindowEviction(t *testing.T) {
	w := newActionWindow(2, 3)
	for i := 0; i < 10; i++ {
		w.append(ActionSignature{Operation: fmt.Sprintf("op%d", i), Failed: i == 4})
	}

	got := w.all()
	ops := make([]string, len(got))
	for i, a := range got {
		ops[i] = a.Operation
	}
	// First two, the failed middle entry, and the last three survive.
	assert.Equal(t, []string{"op0", "op1", "op4", "op7", "op8", "op9"}, ops)
}

func TestHashOutcomeStable(t *testing.T) {
	type outcome struct {
		Content string
		Code    int
	}
	a := HashOutcome(outcome{Content: "x", Code: 1})
	b := HashOutcome(outcome{Content: "x", Code: 1})
	c := HashOutcome(outcome{Content: "y", Code: 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
