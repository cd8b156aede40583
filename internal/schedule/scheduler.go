package schedule

import (
	"log/slog"

	"github.com/alexhall/foreman/internal/task"
)

// Candidate is a phase as the scheduler sees it: a name and a way to count
// eligible work in a store snapshot. The scheduler never learns what a
// phase actually does.
type Candidate interface {
	Name() string
	EligibleWork(snapshot []*task.Task) int
}

// Weights shape the phase priority score. Values are a configuration
// concern; the defaults are neutral, not tuned.
type Weights struct {
	Work    float64 `json:"work"`    // Per eligible task
	Aging   float64 `json:"aging"`   // Per decision since the phase last ran
	Failure float64 `json:"failure"` // Per recent consecutive failure
}

// DefaultWeights returns neutral scoring weights.
func DefaultWeights() Weights {
	return Weights{Work: 1.0, Aging: 1.0, Failure: 1.0}
}

// floorScore keeps a phase with pending work above zero no matter how many
// failures it accumulated, so the aging term can eventually dominate.
const floorScore = 0.001

// Scheduler picks the next phase to run. Selection is deterministic:
// registration order breaks ties.
type Scheduler struct {
	weights      Weights
	phases       []Candidate
	lastSelected map[string]int // phase -> decision index of last selection
	decisions    int
	logger       *slog.Logger
}

// NewScheduler creates a scheduler over the registered phases.
// Registration order is significant: it breaks score ties.
func NewScheduler(weights Weights, phases []Candidate, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		weights:      weights,
		phases:       phases,
		lastSelected: make(map[string]int),
		logger:       logger,
	}
}

// Select returns the next phase name, or ok=false when no phase has
// eligible work (the idle sentinel).
//
// An override hint from the previous phase is honored unless the target
// phase has no eligible work, in which case selection falls through to
// scoring.
func (s *Scheduler) Select(snapshot []*task.Task, history *History, hint string) (string, bool) {
	s.decisions++

	if hint != "" {
		for _, p := range s.phases {
			if p.Name() == hint {
				if p.EligibleWork(snapshot) > 0 {
					s.lastSelected[hint] = s.decisions
					return hint, true
				}
				s.logger.Debug("override hint has no eligible work, falling through to scoring",
					"hint", hint)
				break
			}
		}
	}

	bestIdx := -1
	bestScore := 0.0
	for i, p := range s.phases {
		work := p.EligibleWork(snapshot)
		if work <= 0 {
			continue
		}
		score := s.score(p.Name(), work, history)
		// Strict greater-than keeps registration order on ties.
		if bestIdx == -1 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}

	if bestIdx == -1 {
		return "", false
	}

	name := s.phases[bestIdx].Name()
	s.lastSelected[name] = s.decisions
	return name, true
}

// score computes work volume + aging - failure penalty. The aging term
// grows without bound with decisions-since-last-run, so a starved phase
// eventually outranks everything. The failure penalty discourages
// hammering a failing phase but never pushes a phase with work to zero.
func (s *Scheduler) score(phase string, work int, history *History) float64 {
	age := s.decisions - s.lastSelected[phase] // never selected -> full age
	fails := 0
	if history != nil {
		fails = history.ConsecutiveFailures(phase)
	}

	score := s.weights.Work*float64(work) +
		s.weights.Aging*float64(age) -
		s.weights.Failure*float64(fails)
	if score < floorScore {
		score = floorScore + s.weights.Aging*float64(age)
	}
	return score
}

// Decisions returns the number of Select calls so far.
func (s *Scheduler) Decisions() int { return s.decisions }
