package metrics

import (
	"context"
	"strconv"

	"github.com/alexhall/foreman/internal/events"
)

// Observer translates bus events into collector updates.
type Observer struct {
	set *Set
	bus *events.Bus
	ch  <-chan events.Event
}

// NewObserver subscribes to every topic. Create the observer before the
// engine starts publishing so no events are missed.
func NewObserver(set *Set, bus *events.Bus) *Observer {
	return &Observer{set: set, bus: bus, ch: bus.SubscribeAll(512)}
}

// Run consumes events until ctx is cancelled or the bus closes.
func (o *Observer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.ch:
			if !ok {
				return
			}
			o.record(ev)
			o.set.EventsDropped.Set(float64(o.bus.Dropped()))
		}
	}
}

func (o *Observer) record(ev events.Event) {
	switch e := ev.(type) {
	case events.DispatchFinishedEvent:
		outcome := "ok"
		if e.Err != "" {
			outcome = "error"
		}
		o.set.Dispatches.WithLabelValues(outcome).Inc()
		if e.Attempts > 1 {
			o.set.DispatchRetries.Add(float64(e.Attempts - 1))
		}
		o.set.DispatchSeconds.Observe(e.Duration.Seconds())
	case events.PhaseSelectedEvent:
		o.set.PhaseSelections.WithLabelValues(e.Phase).Inc()
	case events.EscalationRaisedEvent:
		o.set.Escalations.WithLabelValues(strconv.Itoa(e.Level)).Inc()
	case events.TaskReactivatedEvent:
		o.set.Reactivations.Inc()
	}
}

// SetTaskCounts replaces the per-status task gauge from a store census.
func (s *Set) SetTaskCounts(counts map[string]int) {
	for status, n := range counts {
		s.TasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}
