package loopguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexhall/foreman/internal/task"
)

// InterventionKind is what the engine must do after a guard update.
type InterventionKind int

const (
	// InterventionNone means continue normally.
	InterventionNone InterventionKind = iota
	// InterventionWarn means continue, a warning has been logged.
	InterventionWarn
	// InterventionAlternate means retry with a different capability tag.
	InterventionAlternate
	// InterventionSpecialist means route to the specialist worker profile.
	InterventionSpecialist
	// InterventionTerminate means stop retrying and skip the task.
	InterventionTerminate
)

// String returns the intervention name.
func (k InterventionKind) String() string {
	switch k {
	case InterventionNone:
		return "none"
	case InterventionWarn:
		return "warn"
	case InterventionAlternate:
		return "alternate"
	case InterventionSpecialist:
		return "specialist"
	case InterventionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// InterventionDecision is the guard's verdict for one attempt.
type InterventionDecision struct {
	Classification task.Classification
	Level          int
	Kind           InterventionKind
	CapabilityTag  string // Alternate and Specialist only
	Reason         string
}

// Thresholds map intervention levels to ladder rungs.
type Thresholds struct {
	Warn       int // level that logs a warning
	Alternate  int // level that forces a different capability
	Specialist int // level that routes to the specialist profile
	Consult    int // level at or above which the consultant decides
}

// DefaultThresholds returns the standard ladder: 1 warn, 2 alternate,
// 3 specialist, 4 consult.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 1, Alternate: 2, Specialist: 3, Consult: 4}
}

// Options configure a Guard.
type Options struct {
	Thresholds     Thresholds
	AlternateTag   string // capability forced at the alternate rung
	SpecialistTag  string // capability forced at the specialist rung
	ConsultTimeout time.Duration
	WindowFirst    int // action window: entries kept from the start
	WindowLast     int // action window: entries kept from the end
}

// DefaultOptions returns options matching the default ladder.
func DefaultOptions() Options {
	return Options{
		Thresholds:     DefaultThresholds(),
		AlternateTag:   "alternate",
		SpecialistTag:  "specialist",
		ConsultTimeout: 30 * time.Second,
		WindowFirst:    4,
		WindowLast:     16,
	}
}

// LoopState is the guard's per-task memory.
type LoopState struct {
	window   *actionWindow
	level    int
	lastSigs task.SignatureSet
}

// Level returns the current intervention level.
func (s *LoopState) Level() int { return s.level }

// RecentActions returns the retained action signatures.
func (s *LoopState) RecentActions() []ActionSignature { return s.window.all() }

// LastSignatures returns the signature set from the most recent attempt.
func (s *LoopState) LastSignatures() task.SignatureSet { return s.lastSigs }

// Guard detects non-progress repetition per task and escalates through the
// intervention ladder. STUCK is the only classification that raises the
// level; every other classification resets it to zero.
type Guard struct {
	mu         sync.Mutex
	states     map[string]*LoopState
	opts       Options
	consultant Consultant
	logger     *slog.Logger
}

// New creates a guard. A nil consultant falls back to RuleConsultant.
func New(opts Options, consultant Consultant, logger *slog.Logger) *Guard {
	if consultant == nil {
		consultant = RuleConsultant{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.ConsultTimeout <= 0 {
		opts.ConsultTimeout = 30 * time.Second
	}
	return &Guard{
		states:     make(map[string]*LoopState),
		opts:       opts,
		consultant: consultant,
		logger:     logger,
	}
}

// Update records one attempt's action and resulting signatures, classifies
// progress against the previous attempt, and returns the intervention the
// engine must apply. The consultation at the top of the ladder is bounded
// by ConsultTimeout; the guard never blocks the engine beyond that.
func (g *Guard) Update(ctx context.Context, taskID string, action ActionSignature, sigs task.SignatureSet) InterventionDecision {
	g.mu.Lock()

	st, ok := g.states[taskID]
	if !ok {
		st = &LoopState{
			window:   newActionWindow(g.opts.WindowFirst, g.opts.WindowLast),
			lastSigs: task.SignatureSet{},
		}
		g.states[taskID] = st
	}
	st.window.append(action)

	class := task.Classify(st.lastSigs, sigs)
	st.lastSigs = sigs

	if class.Progress() {
		st.level = 0
		g.mu.Unlock()
		return InterventionDecision{Classification: class, Level: 0, Kind: InterventionNone}
	}

	st.level++
	level := st.level
	recent := st.window.all()
	sigStr := sigs.String()
	g.mu.Unlock()

	t := g.opts.Thresholds
	switch {
	case level >= t.Consult:
		return g.consult(ctx, taskID, level, sigStr, recent)
	case level >= t.Specialist:
		g.logger.Warn("task stuck, routing to specialist",
			"task", taskID, "level", level, "signatures", sigStr)
		return InterventionDecision{
			Classification: class,
			Level:          level,
			Kind:           InterventionSpecialist,
			CapabilityTag:  g.opts.SpecialistTag,
			Reason:         "repeated failure, specialist profile engaged",
		}
	case level >= t.Alternate:
		g.logger.Warn("task stuck, forcing alternate capability",
			"task", taskID, "level", level, "signatures", sigStr)
		return InterventionDecision{
			Classification: class,
			Level:          level,
			Kind:           InterventionAlternate,
			CapabilityTag:  g.opts.AlternateTag,
			Reason:         "repeated failure, alternate strategy forced",
		}
	default:
		g.logger.Warn("task showing no progress",
			"task", taskID, "level", level, "signatures", sigStr)
		return InterventionDecision{
			Classification: class,
			Level:          level,
			Kind:           InterventionWarn,
			Reason:         "no progress since previous attempt",
		}
	}
}

// consult asks the supervising authority with a hard timeout. No answer in
// time means terminate: the alternative is a silent infinite retry.
func (g *Guard) consult(ctx context.Context, taskID string, level int, sigs string, recent []ActionSignature) InterventionDecision {
	cctx, cancel := context.WithTimeout(ctx, g.opts.ConsultTimeout)
	defer cancel()

	decision, err := g.consultant.Consult(cctx, level, TaskContext{
		TaskID:        taskID,
		Signatures:    sigs,
		RecentActions: recent,
	})
	if err != nil {
		g.logger.Error("consultation failed, terminating task",
			"task", taskID, "level", level, "error", err)
		return InterventionDecision{
			Classification: task.ClassStuck,
			Level:          level,
			Kind:           InterventionTerminate,
			Reason:         "escalation exhausted: no supervising decision within timeout",
		}
	}

	out := InterventionDecision{Classification: task.ClassStuck, Level: level, Reason: decision.Reason}
	switch decision.Kind {
	case DecisionContinue:
		out.Kind = InterventionWarn
		if out.Reason == "" {
			out.Reason = "supervising authority allowed continuation"
		}
	case DecisionRedirect:
		out.Kind = InterventionAlternate
		out.CapabilityTag = decision.CapabilityTag
		if out.Reason == "" {
			out.Reason = "supervising authority redirected"
		}
	default:
		out.Kind = InterventionTerminate
		if out.Reason == "" {
			out.Reason = "escalation exhausted"
		}
	}
	return out
}

// Level returns the current intervention level for a task, 0 if unknown.
func (g *Guard) Level(taskID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.states[taskID]; ok {
		return st.level
	}
	return 0
}

// State returns a snapshot of a task's loop state for persistence.
func (g *Guard) State(taskID string) (StateSnapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[taskID]
	if !ok {
		return StateSnapshot{}, false
	}
	return StateSnapshot{
		TaskID:         taskID,
		Level:          st.level,
		LastSignatures: st.lastSigs.Slice(),
		RecentActions:  st.window.all(),
	}, true
}

// Snapshot returns every task's loop state for persistence.
func (g *Guard) Snapshot() []StateSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]StateSnapshot, 0, len(g.states))
	for id, st := range g.states {
		out = append(out, StateSnapshot{
			TaskID:         id,
			Level:          st.level,
			LastSignatures: st.lastSigs.Slice(),
			RecentActions:  st.window.all(),
		})
	}
	return out
}

// Restore rebuilds a task's loop state from a persisted snapshot.
func (g *Guard) Restore(snap StateSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := &LoopState{
		window:   newActionWindow(g.opts.WindowFirst, g.opts.WindowLast),
		level:    snap.Level,
		lastSigs: task.NewSignatureSet(snap.LastSignatures...),
	}
	for _, a := range snap.RecentActions {
		st.window.append(a)
	}
	g.states[snap.TaskID] = st
}

// Forget drops a task's loop state, e.g. after completion.
func (g *Guard) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, taskID)
}

// StateSnapshot is the persistable form of one task's loop state.
type StateSnapshot struct {
	TaskID         string                   `json:"task_id"`
	Level          int                      `json:"level"`
	LastSignatures []task.ProgressSignature `json:"last_signatures"`
	RecentActions  []ActionSignature        `json:"recent_actions"`
}
