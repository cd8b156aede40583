package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexhall/foreman/internal/dispatch"
	"github.com/alexhall/foreman/internal/events"
	"github.com/alexhall/foreman/internal/loopguard"
	"github.com/alexhall/foreman/internal/persistence"
	"github.com/alexhall/foreman/internal/schedule"
	"github.com/alexhall/foreman/internal/store"
	"github.com/alexhall/foreman/internal/task"
	"github.com/alexhall/foreman/internal/worker"
)

// Settings tune the run loop.
type Settings struct {
	MaxAttempts      int           // claims per activation before SKIPPED
	MaxReactivations int           // activations before SKIPPED
	DispatchTimeout  time.Duration // default per-dispatch deadline
	IdleSleep        time.Duration // pause between idle decision rounds
	FanOut           dispatch.FanOutConfig
}

// DefaultSettings returns sane run-loop defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxAttempts:      5,
		MaxReactivations: 3,
		DispatchTimeout:  5 * time.Minute,
		IdleSleep:        500 * time.Millisecond,
	}
}

// Components are the collaborators the engine drives. Everything is
// injected; the engine holds no package-level state.
type Components struct {
	Store      *store.TaskStore
	Scheduler  *schedule.Scheduler
	History    *schedule.History
	Dispatcher *dispatch.Dispatcher
	Pool       *worker.Pool
	Guard      *loopguard.Guard
	Registry   *Registry
	Bus        *events.Bus
	Persist    persistence.Store // optional snapshot store
	Logger     *slog.Logger
}

// Engine is the driving loop: select a phase, let its handler prepare a
// step, dispatch it, feed the result back into the store and the loop
// guard, repeat. The decision loop is single-writer; only dispatches run
// concurrently.
type Engine struct {
	c        Components
	settings Settings

	// tagOverrides holds guard-forced capability tags per task. Only the
	// decision loop touches it.
	tagOverrides map[string]string
}

// New validates the wiring and creates an engine.
func New(c Components, settings Settings) (*Engine, error) {
	if c.Pool == nil || c.Pool.Size() == 0 {
		return nil, &FatalConfigError{Reason: "no worker endpoints registered"}
	}
	if c.Registry == nil || len(c.Registry.Names()) == 0 {
		return nil, &FatalConfigError{Reason: "no phase handlers registered"}
	}
	if c.Store == nil || c.Scheduler == nil || c.Dispatcher == nil || c.Guard == nil {
		return nil, &FatalConfigError{Reason: "missing core component"}
	}
	if settings.MaxAttempts <= 0 {
		return nil, &FatalConfigError{Reason: "max attempts must be positive"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.History == nil {
		c.History = schedule.NewHistory(0)
	}
	if settings.DispatchTimeout <= 0 {
		settings.DispatchTimeout = 5 * time.Minute
	}
	if settings.IdleSleep <= 0 {
		settings.IdleSleep = 500 * time.Millisecond
	}
	return &Engine{
		c:            c,
		settings:     settings,
		tagOverrides: make(map[string]string),
	}, nil
}

// completion carries one finished dispatch back into the decision loop.
type completion struct {
	phase   string
	handler PhaseHandler
	taskID  string
	res     dispatch.Result
	err     error
}

// Run drives the loop until every task is COMPLETED or SKIPPED, the
// context is cancelled, or the engine stalls.
func (e *Engine) Run(ctx context.Context) error {
	results := make(chan completion, 64)
	inFlight := 0
	hint := ""
	idleRounds := 0

	for {
		// Apply any finished dispatches first; their mutations change what
		// the scheduler sees.
	drain:
		for {
			select {
			case c := <-results:
				inFlight--
				hint = e.apply(ctx, c)
			default:
				break drain
			}
		}

		if ctx.Err() != nil {
			// Let in-flight dispatches unwind; they share ctx and fail fast.
			for inFlight > 0 {
				c := <-results
				inFlight--
				e.apply(ctx, c)
			}
			return ctx.Err()
		}

		changed := e.housekeep(ctx)

		snapshot := e.c.Store.Snapshot()
		phase, ok := e.c.Scheduler.Select(snapshot, e.c.History, hint)
		hintUsed := ok && hint != "" && phase == hint
		hint = ""

		if !ok {
			if inFlight > 0 {
				// Nothing schedulable until a dispatch lands.
				c := <-results
				inFlight--
				hint = e.apply(ctx, c)
				continue
			}
			if !e.c.Store.PendingWork() {
				return nil
			}
			if changed {
				idleRounds = 0
				continue
			}
			idleRounds++
			if idleRounds >= 3 {
				return fmt.Errorf("%w: %d tasks pending", ErrStalled, e.pendingCount())
			}
			select {
			case <-time.After(e.settings.IdleSleep):
			case <-ctx.Done():
			}
			continue
		}
		idleRounds = 0

		handler, found := e.c.Registry.Get(phase)
		if !found {
			// Scheduler candidates come from the registry, so this is a bug.
			return &FatalConfigError{Reason: fmt.Sprintf("phase %s has no handler", phase)}
		}

		e.publish(events.TopicPhase, events.PhaseSelectedEvent{
			Phase:     phase,
			HintUsed:  hintUsed,
			Eligible:  handler.EligibleWork(snapshot),
			Timestamp: time.Now(),
		})

		step, actionable := handler.Prepare(snapshot)
		if !actionable {
			e.recordRun(ctx, phase, schedule.RunNoOp)
			continue
		}

		if e.c.Dispatcher.InFlight(step.TaskID) {
			// The handler re-picked a task whose dispatch is still out.
			// Wait for something to land instead of spinning.
			e.recordRun(ctx, phase, schedule.RunNoOp)
			if inFlight > 0 {
				c := <-results
				inFlight--
				hint = e.apply(ctx, c)
			}
			continue
		}

		if step.Claim {
			claimed, err := e.c.Store.Claim(step.TaskID)
			if err != nil {
				// Raced by an earlier in-flight mutation; not a failure.
				e.recordRun(ctx, phase, schedule.RunNoOp)
				continue
			}
			if claimed.Attempts > e.settings.MaxAttempts {
				e.skip(ctx, step.TaskID, fmt.Sprintf("attempt budget exhausted after %d attempts", claimed.Attempts-1))
				e.recordRun(ctx, phase, schedule.RunNoOp)
				continue
			}
			e.publish(events.TopicTask, events.TaskClaimedEvent{
				ID: step.TaskID, Phase: phase, Attempt: claimed.Attempts, Timestamp: time.Now(),
			})
			e.persistTask(ctx, step.TaskID)
		}

		e.dispatch(ctx, phase, handler, step, results)
		inFlight++
	}
}

// dispatch launches one step without blocking the decision loop.
func (e *Engine) dispatch(ctx context.Context, phase string, handler PhaseHandler, step Step, results chan<- completion) {
	caps := append([]string(nil), step.Capabilities...)
	if tag, ok := e.tagOverrides[step.TaskID]; ok && tag != "" {
		caps = append(caps, tag)
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.settings.DispatchTimeout
	}

	e.publish(events.TopicDispatch, events.DispatchStartedEvent{ID: step.TaskID, Timestamp: time.Now()})

	go func() {
		var res dispatch.Result
		var err error
		if len(step.SubRequests) > 0 {
			cfg := e.settings.FanOut
			cfg.Capabilities = caps
			cfg.Timeout = timeout
			res, err = e.c.Dispatcher.FanOut(ctx, step.TaskID, step.SubRequests, cfg)
		} else {
			res, err = e.c.Dispatcher.Dispatch(ctx, step.Request, caps, timeout)
		}
		results <- completion{phase: phase, handler: handler, taskID: step.TaskID, res: res, err: err}
	}()
}

// apply feeds one dispatch completion back into the store and the loop
// guard. It runs on the decision loop, so store mutations stay serialized.
// Returns the handler's scheduling hint.
func (e *Engine) apply(ctx context.Context, c completion) string {
	errStr := ""
	if c.err != nil {
		errStr = c.err.Error()
	}
	e.publish(events.TopicDispatch, events.DispatchFinishedEvent{
		ID:        c.taskID,
		Endpoint:  c.res.Endpoint,
		Attempts:  c.res.Attempts,
		Err:       errStr,
		Duration:  c.res.Duration,
		Timestamp: time.Now(),
	})

	if errors.Is(c.err, dispatch.ErrAlreadyInFlight) {
		e.recordRun(ctx, c.phase, schedule.RunNoOp)
		return ""
	}

	interp := c.handler.Interpret(c.taskID, c.res, c.err)

	run := schedule.RunSuccess
	switch interp.Kind {
	case TentativeSuccess:
		err := e.c.Store.RecordOutcome(c.taskID, store.Outcome{
			Kind:   store.OutcomeTentativeSuccess,
			Result: interp.Result,
		})
		e.reportMutation(c.taskID, task.StatusQAPending, err, c.res.Duration)
	case Failure:
		ec := interp.Error
		if ec == nil {
			ec = &task.ErrorContext{Message: errStr, Phase: c.phase}
		}
		ec.Signatures = interp.Signatures.Slice()
		err := e.c.Store.RecordOutcome(c.taskID, store.Outcome{
			Kind:  store.OutcomeFailure,
			Error: ec,
		})
		e.reportMutation(c.taskID, task.StatusFailed, err, c.res.Duration)
		run = schedule.RunFailure
	case QAPassed:
		if err := e.c.Store.ResolveQA(c.taskID, true, nil); err != nil {
			e.c.Logger.Error("resolving QA", "task", c.taskID, "error", err)
		} else {
			e.publish(events.TopicTask, events.TaskQAResolvedEvent{ID: c.taskID, Passed: true, Timestamp: time.Now()})
			e.c.Guard.Forget(c.taskID)
			delete(e.tagOverrides, c.taskID)
			e.persistTask(ctx, c.taskID)
		}
		e.recordRun(ctx, c.phase, run)
		return interp.NextHint
	case QAFailed:
		ec := interp.Error
		if ec == nil {
			ec = &task.ErrorContext{Message: "verification rejected result", Phase: c.phase}
		}
		ec.Signatures = interp.Signatures.Slice()
		if err := e.c.Store.ResolveQA(c.taskID, false, ec); err != nil {
			e.c.Logger.Error("resolving QA", "task", c.taskID, "error", err)
		} else {
			e.publish(events.TopicTask, events.TaskQAResolvedEvent{ID: c.taskID, Passed: false, Timestamp: time.Now()})
			e.persistTask(ctx, c.taskID)
		}
		run = schedule.RunFailure
	}
	e.recordRun(ctx, c.phase, run)

	decision := e.c.Guard.Update(ctx, c.taskID, interp.Action, interp.Signatures)
	e.applyIntervention(ctx, c.taskID, decision)
	e.persistLoopState(ctx, c.taskID)

	return interp.NextHint
}

// applyIntervention translates a guard decision into engine state.
func (e *Engine) applyIntervention(ctx context.Context, taskID string, d loopguard.InterventionDecision) {
	if d.Level == 0 {
		delete(e.tagOverrides, taskID)
		return
	}

	e.publish(events.TopicEscalation, events.EscalationRaisedEvent{
		ID:           taskID,
		Level:        d.Level,
		Intervention: d.Kind.String(),
		Reason:       d.Reason,
		Timestamp:    time.Now(),
	})

	switch d.Kind {
	case loopguard.InterventionAlternate, loopguard.InterventionSpecialist:
		e.tagOverrides[taskID] = d.CapabilityTag
	case loopguard.InterventionTerminate:
		e.skip(ctx, taskID, d.Reason)
	}
}

// housekeep reactivates failed tasks within budget and skips tasks that can
// never run. Returns whether anything changed.
func (e *Engine) housekeep(ctx context.Context) bool {
	changed := false
	snapshot := e.c.Store.Snapshot()
	skipped := make(map[string]bool)
	for _, t := range snapshot {
		if t.Status == task.StatusSkipped {
			skipped[t.ID] = true
		}
	}

	for _, t := range snapshot {
		switch t.Status {
		case task.StatusFailed, task.StatusQAFailed:
			if t.Reactivations >= e.settings.MaxReactivations {
				e.skip(ctx, t.ID, fmt.Sprintf("reactivation budget exhausted after %d activations", t.Reactivations+1))
				changed = true
				continue
			}
			if err := e.c.Store.Reactivate(t.ID); err == nil {
				e.publish(events.TopicTask, events.TaskReactivatedEvent{
					ID: t.ID, FromStatus: t.Status, Reactivations: t.Reactivations + 1, Timestamp: time.Now(),
				})
				e.persistTask(ctx, t.ID)
				changed = true
			}
		case task.StatusNew:
			for _, dep := range t.DependsOn {
				if skipped[dep] {
					e.skip(ctx, t.ID, "blocked by skipped dependency "+dep)
					changed = true
					break
				}
			}
		}
	}
	return changed
}

// skip marks a task SKIPPED and publishes the event.
func (e *Engine) skip(ctx context.Context, taskID, reason string) {
	if err := e.c.Store.Skip(taskID, reason); err != nil {
		e.c.Logger.Error("skipping task", "task", taskID, "error", err)
		return
	}
	e.c.Logger.Warn("task skipped", "task", taskID, "reason", reason)
	e.publish(events.TopicTask, events.TaskSkippedEvent{ID: taskID, Reason: reason, Timestamp: time.Now()})
	e.c.Guard.Forget(taskID)
	delete(e.tagOverrides, taskID)
	e.persistTask(ctx, taskID)
}

func (e *Engine) reportMutation(taskID string, status task.Status, err error, dur time.Duration) {
	if err != nil {
		e.c.Logger.Error("recording outcome", "task", taskID, "error", err)
		return
	}
	e.publish(events.TopicTask, events.TaskOutcomeEvent{
		ID: taskID, Status: status, Duration: dur, Timestamp: time.Now(),
	})
	e.persistTask(context.Background(), taskID)
}

func (e *Engine) recordRun(ctx context.Context, phase string, outcome schedule.RunOutcome) {
	e.c.History.Record(phase, outcome)
	if e.c.Persist != nil {
		rec := schedule.PhaseRunRecord{Phase: phase, Outcome: outcome, At: time.Now()}
		if err := e.c.Persist.SavePhaseRecord(ctx, rec); err != nil {
			e.c.Logger.Error("persisting phase record", "phase", phase, "error", err)
		}
	}
}

func (e *Engine) persistTask(ctx context.Context, taskID string) {
	if e.c.Persist == nil {
		return
	}
	t, err := e.c.Store.Get(taskID)
	if err != nil {
		return
	}
	if err := e.c.Persist.SaveTask(ctx, t); err != nil {
		e.c.Logger.Error("persisting task", "task", taskID, "error", err)
	}
}

func (e *Engine) persistLoopState(ctx context.Context, taskID string) {
	if e.c.Persist == nil {
		return
	}
	snap, ok := e.c.Guard.State(taskID)
	if !ok {
		return
	}
	if err := e.c.Persist.SaveLoopState(ctx, snap); err != nil {
		e.c.Logger.Error("persisting loop state", "task", taskID, "error", err)
	}
}

func (e *Engine) publish(topic string, ev events.Event) {
	if e.c.Bus != nil {
		e.c.Bus.Publish(topic, ev)
	}
}

func (e *Engine) pendingCount() int {
	n := 0
	for status, count := range e.c.Store.CountByStatus() {
		if status != task.StatusCompleted && status != task.StatusSkipped {
			n += count
		}
	}
	return n
}
