package worker

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when an endpoint's bounded wait queue is
// saturated; the caller should route the request elsewhere.
var ErrQueueFull = errors.New("endpoint queue full")

// Endpoint is one remote compute worker: an address, capability tags, and
// a concurrency budget. Load slots are mutated only through Acquire and
// Release, so the in-flight count stays consistent without external locks.
type Endpoint struct {
	Name           string
	Address        string
	Tags           []string
	MaxConcurrency int
	Invoker        Invoker

	slots   chan struct{} // in-flight tokens, cap = MaxConcurrency
	waiters chan struct{} // queued-request tokens, cap = queue depth
}

// NewEndpoint creates an endpoint with the given concurrency budget and
// wait-queue depth.
func NewEndpoint(name, address string, tags []string, maxConcurrency, queueDepth int, inv Invoker) *Endpoint {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Endpoint{
		Name:           name,
		Address:        address,
		Tags:           tags,
		MaxConcurrency: maxConcurrency,
		Invoker:        inv,
		slots:          make(chan struct{}, maxConcurrency),
		waiters:        make(chan struct{}, queueDepth),
	}
}

// HasTag reports whether the endpoint carries the capability tag.
func (e *Endpoint) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasAllTags reports whether the endpoint carries every required tag.
func (e *Endpoint) HasAllTags(tags []string) bool {
	for _, tag := range tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	return true
}

// Acquire takes a load slot. If the endpoint is at max concurrency the
// request joins a bounded queue; a full queue returns ErrQueueFull
// immediately so the dispatcher can route elsewhere.
func (e *Endpoint) Acquire(ctx context.Context) error {
	// Fast path: free slot.
	select {
	case e.slots <- struct{}{}:
		return nil
	default:
	}

	// Join the bounded wait queue.
	select {
	case e.waiters <- struct{}{}:
	default:
		return ErrQueueFull
	}
	defer func() { <-e.waiters }()

	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a load slot. Must pair with a successful Acquire,
// including on timeout and cancellation paths.
func (e *Endpoint) Release() {
	select {
	case <-e.slots:
	default:
		// Unbalanced release; nothing to free.
	}
}

// Load returns the current in-flight count.
func (e *Endpoint) Load() int { return len(e.slots) }

// LoadFactor returns in-flight / max concurrency in [0, 1].
func (e *Endpoint) LoadFactor() float64 {
	return float64(len(e.slots)) / float64(e.MaxConcurrency)
}
