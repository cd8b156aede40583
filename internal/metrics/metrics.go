// Package metrics exposes orchestration counters and gauges in Prometheus
// format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every collector the engine reports to. All collectors are
// registered on a private registry so tests can hold independent sets.
type Set struct {
	registry *prometheus.Registry

	Dispatches      *prometheus.CounterVec // outcome: ok|error|timeout
	DispatchRetries prometheus.Counter
	DispatchSeconds prometheus.Histogram
	PhaseSelections *prometheus.CounterVec // phase name
	Escalations     *prometheus.CounterVec // level
	TasksByStatus   *prometheus.GaugeVec   // status name
	Reactivations   prometheus.Counter
	EventsDropped   prometheus.Gauge
}

// NewSet creates and registers all collectors.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "dispatches_total",
			Help:      "Worker dispatches by outcome.",
		}, []string{"outcome"}),
		DispatchRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "dispatch_retries_total",
			Help:      "Transient-failure retries across all dispatches.",
		}),
		DispatchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "foreman",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of completed dispatches.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		PhaseSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "phase_selections_total",
			Help:      "Scheduler decisions by phase.",
		}, []string{"phase"}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "escalations_total",
			Help:      "Loop-guard interventions by level.",
		}, []string{"level"}),
		TasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "foreman",
			Name:      "tasks",
			Help:      "Current task count by status.",
		}, []string{"status"}),
		Reactivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "task_reactivations_total",
			Help:      "Tasks returned to NEW from a reactivatable status.",
		}),
		EventsDropped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "foreman",
			Name:      "events_dropped",
			Help:      "Events lost to full subscriber channels.",
		}),
	}
}

// Registry returns the underlying registry, e.g. for custom handlers.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener.
func (s *Set) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
