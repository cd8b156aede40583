package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhall/foreman/internal/task"
)

// stubPhase is a fixed-work candidate for scheduler tests.
type stubPhase struct {
	name string
	work int
}

func (p *stubPhase) Name() string                    { return p.name }
func (p *stubPhase) EligibleWork(_ []*task.Task) int { return p.work }

func TestSelectIdleWhenNoWork(t *testing.T) {
	sched := NewScheduler(DefaultWeights(), []Candidate{
		&stubPhase{name: "plan", work: 0},
		&stubPhase{name: "execute", work: 0},
	}, nil)

	_, ok := sched.Select(nil, NewHistory(10), "")
	assert.False(t, ok)
}

func TestSelectHonorsOverrideHint(t *testing.T) {
	sched := NewScheduler(DefaultWeights(), []Candidate{
		&stubPhase{name: "plan", work: 10},
		&stubPhase{name: "repair", work: 1},
	}, nil)

	got, ok := sched.Select(nil, NewHistory(10), "repair")
	require.True(t, ok)
	assert.Equal(t, "repair", got)
}

func TestSelectHintWithNoWorkFallsThrough(t *testing.T) {
	sched := NewScheduler(DefaultWeights(), []Candidate{
		&stubPhase{name: "plan", work: 3},
		&stubPhase{name: "repair", work: 0},
	}, nil)

	got, ok := sched.Select(nil, NewHistory(10), "repair")
	require.True(t, ok)
	assert.Equal(t, "plan", got)
}

func TestSelectTieBreaksByRegistrationOrder(t *testing.T) {
	sched := NewScheduler(DefaultWeights(), []Candidate{
		&stubPhase{name: "alpha", work: 2},
		&stubPhase{name: "beta", work: 2},
	}, nil)

	got, ok := sched.Select(nil, NewHistory(10), "")
	require.True(t, ok)
	assert.Equal(t, "alpha", got)
}

// A starved phase with pending work must eventually win: the aging term is
// unbounded while competitors reset their age each time they are selected.
func TestAgingPreventsStarvation(t *testing.T) {
	busy := &stubPhase{name: "busy", work: 100}
	starved := &stubPhase{name: "starved", work: 1}
	sched := NewScheduler(DefaultWeights(), []Candidate{busy, starved}, nil)
	history := NewHistory(100)

	picked := false
	for i := 0; i < 200; i++ {
		got, ok := sched.Select(nil, history, "")
		require.True(t, ok)
		if got == "starved" {
			picked = true
			break
		}
		history.Record(got, RunSuccess)
	}
	assert.True(t, picked, "starved phase was never selected in 200 decisions")
}

// A phase that keeps failing still gets scheduled: the penalty never pins a
// phase with eligible work at zero.
func TestFailurePenaltyNeverStarvesForever(t *testing.T) {
	failing := &stubPhase{name: "failing", work: 1}
	sched := NewScheduler(Weights{Work: 1, Aging: 1, Failure: 1000}, []Candidate{
		&stubPhase{name: "healthy", work: 1},
		failing,
	}, nil)
	history := NewHistory(100)
	for i := 0; i < 20; i++ {
		history.Record("failing", RunFailure)
	}

	picked := false
	for i := 0; i < 500; i++ {
		got, ok := sched.Select(nil, history, "")
		require.True(t, ok)
		if got == "failing" {
			picked = true
			break
		}
		history.Record(got, RunSuccess)
	}
	assert.True(t, picked, "failing phase permanently starved")
}

func TestHistoryWindowBounded(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 20; i++ {
		h.Record("p", RunSuccess)
	}
	assert.Equal(t, 5, h.Len())
}

func TestConsecutiveFailures(t *testing.T) {
	h := NewHistory(50)
	h.Record("p", RunFailure)
	h.Record("other", RunSuccess) // other phases don't break the streak
	h.Record("p", RunFailure)
	h.Record("p", RunFailure)
	assert.Equal(t, 3, h.ConsecutiveFailures("p"))

	h.Record("p", RunSuccess)
	assert.Equal(t, 0, h.ConsecutiveFailures("p"))

	h.Record("p", RunFailure)
	assert.Equal(t, 1, h.ConsecutiveFailures("p"))
}
