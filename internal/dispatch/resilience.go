package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/alexhall/foreman/internal/worker"
)

// RetryConfig configures exponential backoff for transient worker errors.
type RetryConfig struct {
	InitialInterval     time.Duration `json:"initial_interval"`
	MaxInterval         time.Duration `json:"max_interval"`
	MaxElapsedTime      time.Duration `json:"max_elapsed_time"`
	Multiplier          float64       `json:"multiplier"`
	RandomizationFactor float64       `json:"randomization_factor"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig tunes per-endpoint circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
}

// DefaultBreakerConfig returns the default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, ResetTimeout: 30 * time.Second}
}

// BreakerRegistry manages per-endpoint circuit breakers. An endpoint that
// keeps failing trips open and sheds load until it recovers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
	logger   *slog.Logger
}

// NewBreakerRegistry creates an empty registry with default thresholds.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      DefaultBreakerConfig(),
		logger:   logger,
	}
}

// Configure overrides breaker thresholds. Only breakers created after the
// call pick up the new values, so configure before dispatching.
func (r *BreakerRegistry) Configure(cfg BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	r.cfg = cfg
}

// Get returns the breaker for the endpoint, creating it on first use.
func (r *BreakerRegistry) Get(endpoint string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[endpoint]; ok {
		return cb
	}

	logger := r.logger
	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"endpoint", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not an endpoint failure.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[endpoint] = cb
	return cb
}

// invokeWithRetry calls the endpoint's invoker with exponential backoff and
// circuit breaker protection. Transient transport errors are retried until
// the backoff budget runs out; structural errors and open breakers stop
// immediately.
func invokeWithRetry(ctx context.Context, ep *worker.Endpoint, req worker.Request, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (worker.Response, int, error) {
	var resp worker.Response
	attempts := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++

		result, err := cb.Execute(func() (interface{}, error) {
			return ep.Invoker.Invoke(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			// A malformed reply won't get better by retrying.
			var se *worker.StructuralError
			if errors.As(err, &se) {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(worker.Response)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return resp, attempts, err
}
