package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/errgroup"

	"github.com/alexhall/foreman/internal/worker"
)

// SynthesisPolicy decides how fan-out sub-results combine.
type SynthesisPolicy int

const (
	// MergeAll combines every sub-result in sub-request order.
	MergeAll SynthesisPolicy = iota
	// FirstSuccess takes the first non-error result and cancels siblings.
	FirstSuccess
	// Consensus requires at least Quorum agreeing results, else fails.
	Consensus
)

// ParseSynthesisPolicy maps a config string to a policy.
func ParseSynthesisPolicy(name string) (SynthesisPolicy, error) {
	switch name {
	case "", "merge_all":
		return MergeAll, nil
	case "first_success":
		return FirstSuccess, nil
	case "consensus":
		return Consensus, nil
	default:
		return 0, fmt.Errorf("unknown synthesis policy: %s", name)
	}
}

// FanOutConfig parameterizes one fan-out dispatch.
type FanOutConfig struct {
	Capabilities []string
	Timeout      time.Duration
	Policy       SynthesisPolicy
	Quorum       int // Consensus only; required agreeing results
}

// FanOut splits a decomposable task into sub-requests dispatched
// concurrently, preferring distinct endpoints, then joins the results under
// the configured synthesis policy. The parent task holds the single
// in-flight registration; sub-requests ride on it.
//
// Join order is deterministic: MergeAll combines by sub-request index and
// Consensus counts agreement groups, regardless of completion order.
func (d *Dispatcher) FanOut(ctx context.Context, taskID string, reqs []worker.Request, cfg FanOutConfig) (Result, error) {
	if len(reqs) == 0 {
		return Result{}, fmt.Errorf("fan-out for task %s has no sub-requests", taskID)
	}

	if err := d.acquireTask(taskID); err != nil {
		return Result{}, err
	}
	defer d.releaseTask(taskID)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	fanCtx, cancelSiblings := context.WithCancel(ctx)
	defer cancelSiblings()

	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))

	var firstOnce sync.Once
	var first Result
	var gotFirst bool

	g, gctx := errgroup.WithContext(fanCtx)
	var used sync.Map // endpoint name -> bool, steers siblings apart

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			exclude := make(map[string]bool)
			used.Range(func(k, _ any) bool {
				exclude[k.(string)] = true
				return true
			})

			res, err := d.dispatchOne(gctx, req, cfg.Capabilities, exclude)
			if err != nil {
				errs[i] = err
				// Sibling errors never abort the group; synthesis decides.
				return nil
			}
			used.Store(res.Endpoint, true)
			results[i] = &res

			if cfg.Policy == FirstSuccess && res.Response.Err == "" {
				firstOnce.Do(func() {
					first = res
					gotFirst = true
					cancelSiblings()
				})
			}
			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil && !hasAnyResult(results) {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: fan-out for task %s", ErrTimeout, taskID)
		}
		return Result{}, err
	}

	// Worker-reported failures count as failed legs everywhere, not just
	// for FirstSuccess and Consensus eligibility.
	errs = foldWorkerErrs(results, errs)

	switch cfg.Policy {
	case FirstSuccess:
		if gotFirst {
			first.TaskID = taskID
			return first, nil
		}
		return Result{}, fmt.Errorf("fan-out for task %s: no sub-request succeeded: %w", taskID, joinErrs(errs))
	case Consensus:
		return synthesizeConsensus(taskID, results, errs, cfg.Quorum)
	default:
		return synthesizeMerge(taskID, results, errs)
	}
}

// foldWorkerErrs records a task-level failure reported by the worker
// itself (Response.Err) as that leg's error. Without this a failed leg
// with a clean transport would synthesize as a success.
func foldWorkerErrs(results []*Result, errs []error) []error {
	out := append([]error(nil), errs...)
	for i, r := range results {
		if out[i] == nil && r != nil && r.Response.Err != "" {
			out[i] = fmt.Errorf("endpoint %s: %s", r.Endpoint, r.Response.Err)
		}
	}
	return out
}

func hasAnyResult(results []*Result) bool {
	for _, r := range results {
		if r != nil {
			return true
		}
	}
	return false
}

func joinErrs(errs []error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	return errors.Join(nonNil...)
}

// synthesizeMerge combines all sub-results in sub-request order. Any
// failed sub-request fails the merge: a partial combination would hide the
// missing piece.
func synthesizeMerge(taskID string, results []*Result, errs []error) (Result, error) {
	if err := joinErrs(errs); err != nil {
		return Result{}, fmt.Errorf("fan-out for task %s: %d sub-request(s) failed: %w", taskID, countErrs(errs), err)
	}

	var parts []string
	var calls []worker.Call
	attempts := 0
	var duration time.Duration
	endpoints := make([]string, 0, len(results))

	for _, r := range results {
		parts = append(parts, r.Response.Content)
		calls = append(calls, r.Response.Calls...)
		attempts += r.Attempts
		if r.Duration > duration {
			duration = r.Duration
		}
		endpoints = append(endpoints, r.Endpoint)
	}

	return Result{
		TaskID:   taskID,
		Endpoint: strings.Join(endpoints, ","),
		Response: worker.Response{Content: strings.Join(parts, "\n\n"), Calls: calls},
		Attempts: attempts,
		Duration: duration,
	}, nil
}

// synthesizeConsensus requires at least quorum sub-results with identical
// content. Agreement is judged by content hash.
func synthesizeConsensus(taskID string, results []*Result, errs []error, quorum int) (Result, error) {
	if quorum <= 0 {
		quorum = len(results)/2 + 1
	}

	groups := make(map[uint64][]*Result)
	groupFirst := make(map[uint64]int) // earliest sub-request index per group
	var hashOrder []uint64
	for i, r := range results {
		if r == nil || r.Response.Err != "" {
			continue
		}
		h, err := hashstructure.Hash(r.Response.Content, hashstructure.FormatV2, nil)
		if err != nil {
			continue
		}
		if _, seen := groups[h]; !seen {
			groupFirst[h] = i
			hashOrder = append(hashOrder, h)
		}
		groups[h] = append(groups[h], r)
	}

	// Deterministic winner: largest group, earliest sub-request on ties.
	var best []*Result
	bestFirst := -1
	for _, h := range hashOrder {
		g := groups[h]
		if len(g) > len(best) || (len(g) == len(best) && groupFirst[h] < bestFirst) {
			best = g
			bestFirst = groupFirst[h]
		}
	}

	if len(best) < quorum {
		return Result{}, fmt.Errorf("fan-out for task %s: consensus not reached (%d/%d agreeing): %w",
			taskID, len(best), quorum, joinErrs(errs))
	}

	res := *best[0]
	res.TaskID = taskID
	return res, nil
}

func countErrs(errs []error) int {
	n := 0
	for _, e := range errs {
		if e != nil {
			n++
		}
	}
	return n
}
