package loopguard

import (
	"github.com/mitchellh/hashstructure/v2"
)

// ActionSignature identifies one attempted action and its outcome.
type ActionSignature struct {
	Operation   string `json:"operation"`
	Target      string `json:"target"`
	OutcomeHash uint64 `json:"outcome_hash"`
	Failed      bool   `json:"failed"`
}

// HashOutcome produces a stable hash of an arbitrary outcome payload for
// use in action signatures.
func HashOutcome(outcome any) uint64 {
	h, err := hashstructure.Hash(outcome, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

// actionWindow is a bounded history of action signatures with an explicit
// eviction policy: keep the first keepFirst entries, the last keepLast
// entries, and every failed entry in between. Unbounded histories are how
// long-running engines run out of memory.
type actionWindow struct {
	keepFirst int
	keepLast  int
	entries   []ActionSignature
}

func newActionWindow(keepFirst, keepLast int) *actionWindow {
	if keepFirst < 0 {
		keepFirst = 0
	}
	if keepLast <= 0 {
		keepLast = 8
	}
	return &actionWindow{keepFirst: keepFirst, keepLast: keepLast}
}

// append adds an entry and evicts per policy.
func (w *actionWindow) append(sig ActionSignature) {
	w.entries = append(w.entries, sig)

	max := w.keepFirst + w.keepLast
	if len(w.entries) <= max {
		return
	}

	// Middle entries are evictable unless they record a failure.
	head := w.entries[:w.keepFirst]
	tail := w.entries[len(w.entries)-w.keepLast:]
	middle := w.entries[w.keepFirst : len(w.entries)-w.keepLast]

	kept := make([]ActionSignature, 0, len(w.entries))
	kept = append(kept, head...)
	for _, e := range middle {
		if e.Failed {
			kept = append(kept, e)
		}
	}
	kept = append(kept, tail...)
	w.entries = kept
}

// all returns a copy of the retained entries.
func (w *actionWindow) all() []ActionSignature {
	return append([]ActionSignature(nil), w.entries...)
}

// len returns the number of retained entries.
func (w *actionWindow) len() int { return len(w.entries) }
