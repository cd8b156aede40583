package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNoCapableEndpoint is returned when no registered endpoint carries the
// required capability tags.
var ErrNoCapableEndpoint = errors.New("no endpoint matches required capabilities")

// Pool is the set of available worker endpoints.
type Pool struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	byName    map[string]*Endpoint
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{byName: make(map[string]*Endpoint)}
}

// Register adds an endpoint. Names must be unique.
func (p *Pool) Register(e *Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byName[e.Name]; exists {
		return fmt.Errorf("endpoint %q already registered", e.Name)
	}
	p.endpoints = append(p.endpoints, e)
	p.byName[e.Name] = e
	return nil
}

// Get returns an endpoint by name.
func (p *Pool) Get(name string) (*Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byName[name]
	return e, ok
}

// Endpoints returns all endpoints in registration order.
func (p *Pool) Endpoints() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Endpoint(nil), p.endpoints...)
}

// Candidates returns endpoints carrying all required tags, in registration
// order. Empty tags match every endpoint.
func (p *Pool) Candidates(tags []string) []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Endpoint
	for _, e := range p.endpoints {
		if e.HasAllTags(tags) {
			out = append(out, e)
		}
	}
	return out
}

// Size returns the number of registered endpoints.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// SelectionStrategy picks one endpoint from a non-empty candidate list.
// Strategies are injectable; the dispatcher never hardcodes one.
type SelectionStrategy interface {
	Pick(candidates []*Endpoint) *Endpoint
}

// RoundRobin cycles through candidates in order.
type RoundRobin struct {
	next atomic.Uint64
}

// Pick returns the next candidate in rotation.
func (r *RoundRobin) Pick(candidates []*Endpoint) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	n := r.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// LeastLoaded picks the candidate with the lowest load factor
// (in-flight / max concurrency). Ties keep candidate order.
type LeastLoaded struct{}

// Pick returns the least-loaded candidate.
func (LeastLoaded) Pick(candidates []*Endpoint) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	bestFactor := best.LoadFactor()
	for _, e := range candidates[1:] {
		if f := e.LoadFactor(); f < bestFactor {
			best, bestFactor = e, f
		}
	}
	return best
}

// FirstMatch picks the first candidate. Capability filtering already
// happened in Pool.Candidates, so this is plain capability-match order.
type FirstMatch struct{}

// Pick returns the first candidate.
func (FirstMatch) Pick(candidates []*Endpoint) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// NewStrategy builds a selection strategy by name.
func NewStrategy(name string) (SelectionStrategy, error) {
	switch name {
	case "", "least-loaded":
		return LeastLoaded{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	case "capability-match":
		return FirstMatch{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy: %s", name)
	}
}
