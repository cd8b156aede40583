package schedule

import (
	"sync"
	"time"
)

// RunOutcome tags how a phase run ended.
type RunOutcome int

const (
	RunSuccess RunOutcome = iota
	RunFailure
	RunNoOp
)

// String returns the outcome name.
func (o RunOutcome) String() string {
	switch o {
	case RunSuccess:
		return "success"
	case RunFailure:
		return "failure"
	case RunNoOp:
		return "no-op"
	default:
		return "unknown"
	}
}

// PhaseRunRecord is one entry in the rolling per-phase run history.
type PhaseRunRecord struct {
	Phase   string
	Outcome RunOutcome
	At      time.Time
}

// History keeps an append-only, bounded window of phase run records.
// Oldest entries are pruned once the window is full.
type History struct {
	mu      sync.Mutex
	window  int
	records []PhaseRunRecord
}

// NewHistory creates a history with the given window size.
func NewHistory(window int) *History {
	if window <= 0 {
		window = 128
	}
	return &History{window: window}
}

// Record appends a run record, pruning the oldest beyond the window.
func (h *History) Record(phase string, outcome RunOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, PhaseRunRecord{Phase: phase, Outcome: outcome, At: time.Now()})
	if len(h.records) > h.window {
		h.records = h.records[len(h.records)-h.window:]
	}
}

// ConsecutiveFailures counts failures for the phase counting back from its
// most recent run. A success or no-op resets the streak.
func (h *History) ConsecutiveFailures(phase string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if r.Phase != phase {
			continue
		}
		if r.Outcome != RunFailure {
			break
		}
		count++
	}
	return count
}

// Records returns a copy of the current window.
func (h *History) Records() []PhaseRunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PhaseRunRecord(nil), h.records...)
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
