package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhall/foreman/internal/events"
)

func TestObserveTranslatesEvents(t *testing.T) {
	set := NewSet()
	bus := events.NewBus()
	obs := NewObserver(set, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		obs.Run(ctx)
		close(done)
	}()

	bus.Publish(events.TopicDispatch, events.DispatchFinishedEvent{
		ID: "t1", Endpoint: "w1", Attempts: 3, Duration: 250 * time.Millisecond,
	})
	bus.Publish(events.TopicDispatch, events.DispatchFinishedEvent{
		ID: "t2", Endpoint: "w1", Attempts: 1, Err: "timeout",
	})
	bus.Publish(events.TopicPhase, events.PhaseSelectedEvent{Phase: "repair"})
	bus.Publish(events.TopicEscalation, events.EscalationRaisedEvent{ID: "t1", Level: 2})
	bus.Publish(events.TopicTask, events.TaskReactivatedEvent{ID: "t1", Reactivations: 1})

	bus.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer did not exit on bus close")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(set.Dispatches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.Dispatches.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(set.DispatchRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.PhaseSelections.WithLabelValues("repair")))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.Escalations.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.Reactivations))
}

func TestSetTaskCounts(t *testing.T) {
	set := NewSet()
	set.SetTaskCounts(map[string]int{"NEW": 4, "COMPLETED": 2})
	assert.Equal(t, 4.0, testutil.ToFloat64(set.TasksByStatus.WithLabelValues("NEW")))
	assert.Equal(t, 2.0, testutil.ToFloat64(set.TasksByStatus.WithLabelValues("COMPLETED")))
}

func TestIndependentRegistries(t *testing.T) {
	a := NewSet()
	b := NewSet()
	a.Reactivations.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(a.Reactivations))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Reactivations))
}
