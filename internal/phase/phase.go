// Package phase provides the built-in phase handlers: a work phase that
// executes NEW tasks and a review phase that verifies QA_PENDING results.
// Both speak the worker protocol and leave all store mutation to the engine.
package phase

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/alexhall/foreman/internal/loopguard"
	"github.com/alexhall/foreman/internal/task"
	"github.com/alexhall/foreman/internal/worker"
)

// diagnosticsCall is the structured call a worker uses to report failure
// signatures. Args is a JSON array of {kind, message, location} objects.
const diagnosticsCall = "diagnostics"

// verdictCall is the structured call a review worker uses to report its
// verdict. Args is {"pass": bool, "reason": string}.
const verdictCall = "verdict"

// signaturesFrom extracts progress signatures from a worker response. A
// missing or malformed diagnostics call falls back to a single signature
// built from the failure message, so the loop guard always has something
// to compare across attempts.
func signaturesFrom(resp worker.Response, fallbackKind, fallbackMsg, fallbackLoc string) task.SignatureSet {
	for _, call := range resp.Calls {
		if call.Name != diagnosticsCall {
			continue
		}
		var sigs []task.ProgressSignature
		if err := json.Unmarshal(call.Args, &sigs); err != nil || len(sigs) == 0 {
			break
		}
		return task.NewSignatureSet(sigs...)
	}
	return task.NewSignatureSet(task.ProgressSignature{
		Kind:     fallbackKind,
		Message:  fallbackMsg,
		Location: fallbackLoc,
	})
}

// verdictFrom extracts a review verdict. A response with no structured
// verdict falls back to exact-content matching: "pass" passes, everything
// else fails with the content as the reason.
func verdictFrom(resp worker.Response) (pass bool, reason string) {
	for _, call := range resp.Calls {
		if call.Name != verdictCall {
			continue
		}
		var v struct {
			Pass   bool   `json:"pass"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(call.Args, &v); err != nil {
			break
		}
		return v.Pass, v.Reason
	}
	if resp.Content == "pass" {
		return true, ""
	}
	return false, resp.Content
}

// actionFor builds the loop guard's action signature for one attempt.
func actionFor(phase string, t targetRef, outcome any, failed bool) loopguard.ActionSignature {
	return loopguard.ActionSignature{
		Operation:   phase,
		Target:      t.target,
		OutcomeHash: loopguard.HashOutcome(outcome),
		Failed:      failed,
	}
}

// targetRef carries just enough task identity for action signatures.
type targetRef struct {
	target string
}

// byPriority picks the highest-priority task, oldest first on ties. The
// snapshot order is creation order, so a stable sort preserves it.
func byPriority(tasks []*task.Task) []*task.Task {
	out := append([]*task.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// depsCompleted reports whether every dependency of t is COMPLETED in the
// snapshot index.
func depsCompleted(t *task.Task, statuses map[string]task.Status) bool {
	for _, dep := range t.DependsOn {
		if statuses[dep] != task.StatusCompleted {
			return false
		}
	}
	return true
}

// splitTargets splits a comma-separated target list. A task naming several
// units of work is decomposable and belongs to the planning phase.
func splitTargets(target string) []string {
	if target == "" {
		return nil
	}
	parts := strings.Split(target, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// statusIndex builds an id -> status lookup from a snapshot.
func statusIndex(snapshot []*task.Task) map[string]task.Status {
	idx := make(map[string]task.Status, len(snapshot))
	for _, t := range snapshot {
		idx[t.ID] = t.Status
	}
	return idx
}
