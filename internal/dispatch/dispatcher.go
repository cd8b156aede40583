package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexhall/foreman/internal/worker"
)

var (
	// ErrAlreadyInFlight is returned when a second dispatch is attempted
	// for a task that already has a request in flight.
	ErrAlreadyInFlight = errors.New("task already has a request in flight")
	// ErrTimeout is returned when the dispatch deadline elapsed.
	ErrTimeout = errors.New("dispatch timed out")
)

// Result is the outcome of a successful dispatch.
type Result struct {
	TaskID   string
	Endpoint string
	Response worker.Response
	Attempts int
	Duration time.Duration
}

// Dispatcher routes requests to worker endpoints under concurrency limits,
// timeouts, retries, and the one-in-flight-per-task invariant.
type Dispatcher struct {
	pool     *worker.Pool
	strategy worker.SelectionStrategy
	breakers *BreakerRegistry
	retryCfg RetryConfig
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{} // task IDs with an active dispatch
}

// New creates a dispatcher over the pool with the given selection strategy.
func New(pool *worker.Pool, strategy worker.SelectionStrategy, retryCfg RetryConfig, logger *slog.Logger) *Dispatcher {
	if strategy == nil {
		strategy = worker.LeastLoaded{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pool:     pool,
		strategy: strategy,
		breakers: NewBreakerRegistry(logger),
		retryCfg: retryCfg,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// ConfigureBreakers overrides the circuit breaker thresholds. Call before
// the first dispatch; existing breakers keep their settings.
func (d *Dispatcher) ConfigureBreakers(cfg BreakerConfig) {
	d.breakers.Configure(cfg)
}

// InFlight reports whether the task has an active dispatch.
func (d *Dispatcher) InFlight(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[taskID]
	return ok
}

// acquireTask marks the task in flight, failing fast on a duplicate.
func (d *Dispatcher) acquireTask(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInFlight, taskID)
	}
	d.inFlight[taskID] = struct{}{}
	return nil
}

func (d *Dispatcher) releaseTask(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, taskID)
}

// Dispatch sends one request to a capable endpoint and waits for the
// result. Timeout cancels the in-flight call and releases the endpoint's
// load slot without mutating any task state; the task stays eligible for a
// fresh claim.
func (d *Dispatcher) Dispatch(ctx context.Context, req worker.Request, capabilities []string, timeout time.Duration) (Result, error) {
	if err := d.acquireTask(req.TaskID); err != nil {
		return Result{}, err
	}
	defer d.releaseTask(req.TaskID)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return d.dispatchOne(ctx, req, capabilities, nil)
}

// dispatchOne routes a single request. exclude removes endpoints already
// used by sibling fan-out sub-requests.
func (d *Dispatcher) dispatchOne(ctx context.Context, req worker.Request, capabilities []string, exclude map[string]bool) (Result, error) {
	candidates := d.pool.Candidates(capabilities)
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("%w: %v", worker.ErrNoCapableEndpoint, capabilities)
	}
	if len(exclude) > 0 {
		filtered := candidates[:0:0]
		for _, e := range candidates {
			if !exclude[e.Name] {
				filtered = append(filtered, e)
			}
		}
		// All excluded: siblings may share endpoints rather than stall.
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	ep, err := d.acquireSlot(ctx, candidates)
	if err != nil {
		return Result{}, err
	}
	defer ep.Release()

	start := time.Now()
	resp, attempts, err := invokeWithRetry(ctx, ep, req, d.breakers.Get(ep.Name), d.retryCfg)
	elapsed := time.Since(start)

	if err != nil {
		// The deadline can expire while backoff sleeps between attempts; the
		// retry then reports the last transport error, so classify on the
		// context as well.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: task %s on %s after %s", ErrTimeout, req.TaskID, ep.Name, elapsed)
		}
		return Result{}, fmt.Errorf("dispatch task %s to %s: %w", req.TaskID, ep.Name, err)
	}

	return Result{
		TaskID:   req.TaskID,
		Endpoint: ep.Name,
		Response: resp,
		Attempts: attempts,
		Duration: elapsed,
	}, nil
}

// acquireSlot picks an endpoint and takes a load slot. Endpoints whose
// bounded queue is full are skipped in favor of the remaining candidates;
// if every queue is full the request blocks on the strategy's pick.
func (d *Dispatcher) acquireSlot(ctx context.Context, candidates []*worker.Endpoint) (*worker.Endpoint, error) {
	remaining := append([]*worker.Endpoint(nil), candidates...)
	for len(remaining) > 0 {
		ep := d.strategy.Pick(remaining)
		err := ep.Acquire(ctx)
		if err == nil {
			return ep, nil
		}
		if errors.Is(err, worker.ErrQueueFull) {
			// Route elsewhere.
			next := remaining[:0:0]
			for _, e := range remaining {
				if e != ep {
					next = append(next, e)
				}
			}
			remaining = next
			continue
		}
		return nil, err
	}

	// Every queue is saturated: wait for the strategy's preferred pick.
	ep := d.strategy.Pick(candidates)
	for {
		if err := ep.Acquire(ctx); err == nil {
			return ep, nil
		} else if !errors.Is(err, worker.ErrQueueFull) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
