package phase

import (
	"fmt"

	"github.com/alexhall/foreman/internal/config"
	"github.com/alexhall/foreman/internal/engine"
)

// Built-in phase names. Configuration may tune their capabilities and
// weights but the handler semantics are fixed per name.
const (
	PhasePlanning     = "planning"
	PhaseExecution    = "execution"
	PhaseVerification = "verification"
	PhaseRepair       = "repair"
)

// canonical registration order, which doubles as the scheduler's tie-break
// order: move work forward before verifying, verify before repairing.
var canonicalOrder = []string{PhasePlanning, PhaseExecution, PhaseVerification, PhaseRepair}

// BuildRegistry wires the configured phases to their built-in handlers.
// Unknown phase names are a configuration error; silently scheduling a
// phase nothing implements would stall the engine.
func BuildRegistry(phases map[string]config.PhaseConfig) (*engine.Registry, error) {
	for name := range phases {
		known := false
		for _, c := range canonicalOrder {
			if name == c {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("phase %s has no built-in handler", name)
		}
	}

	reviewHint := ""
	if _, ok := phases[PhaseVerification]; ok {
		reviewHint = PhaseVerification
	}

	reg := engine.NewRegistry()
	for _, name := range canonicalOrder {
		pc, ok := phases[name]
		if !ok {
			continue
		}
		var h engine.PhaseHandler
		switch name {
		case PhasePlanning:
			h = NewPlan(name, pc.Capabilities, reviewHint)
		case PhaseExecution:
			h = NewWork(name, pc.Capabilities, reviewHint)
		case PhaseVerification:
			h = NewReview(name, pc.Capabilities)
		case PhaseRepair:
			h = NewRepair(name, pc.Capabilities, reviewHint)
		}
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
