package task

import (
	"fmt"
	"sort"
	"strings"
)

// ProgressSignature identifies one distinguishable failure or state.
// Two signatures are equal iff all three fields match exactly.
type ProgressSignature struct {
	Kind     string `json:"kind"`     // e.g. error type
	Message  string `json:"message"`  // e.g. error message
	Location string `json:"location"` // e.g. file:line
}

// String renders the signature for logs and error contexts.
func (p ProgressSignature) String() string {
	return fmt.Sprintf("%s: %s at %s", p.Kind, p.Message, p.Location)
}

// SignatureSet is a set of progress signatures from one attempt.
type SignatureSet map[ProgressSignature]struct{}

// NewSignatureSet builds a set from the given signatures.
func NewSignatureSet(sigs ...ProgressSignature) SignatureSet {
	set := make(SignatureSet, len(sigs))
	for _, s := range sigs {
		set[s] = struct{}{}
	}
	return set
}

// Empty reports whether the set has no signatures.
func (s SignatureSet) Empty() bool { return len(s) == 0 }

// Intersects reports whether any signature appears in both sets.
func (s SignatureSet) Intersects(other SignatureSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for sig := range small {
		if _, ok := large[sig]; ok {
			return true
		}
	}
	return false
}

// Slice returns the signatures in deterministic order.
func (s SignatureSet) Slice() []ProgressSignature {
	out := make([]ProgressSignature, 0, len(s))
	for sig := range s {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Message != out[j].Message {
			return out[i].Message < out[j].Message
		}
		return out[i].Location < out[j].Location
	})
	return out
}

// String renders the set for logs.
func (s SignatureSet) String() string {
	if s.Empty() {
		return "{}"
	}
	parts := make([]string, 0, len(s))
	for _, sig := range s.Slice() {
		parts = append(parts, sig.String())
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

// Classification describes how one attempt's signature set relates to the
// previous attempt's.
type Classification int

const (
	// ClassClean means neither attempt produced failures.
	ClassClean Classification = iota
	// ClassFixed means the previous failures are all gone.
	ClassFixed
	// ClassTransitioned means a disjoint failure mode appeared. A different
	// failure still counts as progress.
	ClassTransitioned
	// ClassNew means failures appeared where there were none before.
	ClassNew
	// ClassStuck means at least one failure persisted across attempts.
	ClassStuck
)

// String returns the classification name.
func (c Classification) String() string {
	switch c {
	case ClassClean:
		return "CLEAN"
	case ClassFixed:
		return "FIXED"
	case ClassTransitioned:
		return "TRANSITIONED"
	case ClassNew:
		return "NEW"
	case ClassStuck:
		return "STUCK"
	default:
		return "UNKNOWN"
	}
}

// Progress reports whether the classification counts as forward motion.
// Everything except STUCK does.
func (c Classification) Progress() bool { return c != ClassStuck }

// Classify compares the previous and current signature sets.
//
// A naive repeated-action detector flags an agent that fixes one bug and
// uncovers the next as looping. Comparing signature sets avoids that: only
// a persisting signature is STUCK.
func Classify(prev, curr SignatureSet) Classification {
	switch {
	case prev.Empty() && curr.Empty():
		return ClassClean
	case !prev.Empty() && curr.Empty():
		return ClassFixed
	case prev.Empty() && !curr.Empty():
		return ClassNew
	case prev.Intersects(curr):
		return ClassStuck
	default:
		return ClassTransitioned
	}
}
