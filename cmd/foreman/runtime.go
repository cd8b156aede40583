package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/alexhall/foreman/internal/config"
	"github.com/alexhall/foreman/internal/dispatch"
	"github.com/alexhall/foreman/internal/engine"
	"github.com/alexhall/foreman/internal/events"
	"github.com/alexhall/foreman/internal/loopguard"
	"github.com/alexhall/foreman/internal/metrics"
	"github.com/alexhall/foreman/internal/persistence"
	"github.com/alexhall/foreman/internal/phase"
	"github.com/alexhall/foreman/internal/schedule"
	"github.com/alexhall/foreman/internal/store"
	"github.com/alexhall/foreman/internal/tui"
	"github.com/alexhall/foreman/internal/worker"
)

// runtime bundles one fully wired engine with its collaborators.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	store   *store.TaskStore
	history *schedule.History
	guard   *loopguard.Guard
	pool    *worker.Pool
	pm      *worker.ProcessManager
	eng     *engine.Engine
	metrics *metrics.Set
	persist persistence.Store // nil when running without a snapshot
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// buildRuntime wires configuration into a ready-to-run engine. persist may
// be nil for snapshot-less runs.
func buildRuntime(cfg *config.Config, logger *slog.Logger, persist persistence.Store) (*runtime, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	pm := worker.NewProcessManager()
	pool := worker.NewPool()
	names := make([]string, 0, len(cfg.Endpoints))
	for name := range cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ec := cfg.Endpoints[name]
		inv, err := worker.NewInvoker(worker.TransportConfig{
			Type:    ec.Transport,
			Address: ec.Address,
			NATSURL: ec.NATSURL,
		}, pm)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		ep := worker.NewEndpoint(name, ec.Address, ec.Tags, ec.MaxConcurrency, ec.QueueDepth, inv)
		if err := pool.Register(ep); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
	}

	strategy, err := worker.NewStrategy(cfg.Dispatch.Strategy)
	if err != nil {
		return nil, err
	}

	retry := dispatch.DefaultRetryConfig()
	if cfg.Dispatch.Retry.InitialIntervalMS > 0 {
		retry.InitialInterval = ms(cfg.Dispatch.Retry.InitialIntervalMS)
	}
	if cfg.Dispatch.Retry.MaxIntervalMS > 0 {
		retry.MaxInterval = ms(cfg.Dispatch.Retry.MaxIntervalMS)
	}
	if cfg.Dispatch.Retry.MaxElapsedMS > 0 {
		retry.MaxElapsedTime = ms(cfg.Dispatch.Retry.MaxElapsedMS)
	}
	if cfg.Dispatch.Retry.Multiplier > 0 {
		retry.Multiplier = cfg.Dispatch.Retry.Multiplier
	}

	disp := dispatch.New(pool, strategy, retry, logger)
	disp.ConfigureBreakers(dispatch.BreakerConfig{
		ConsecutiveFailures: uint32(cfg.Dispatch.BreakerFailures),
		ResetTimeout:        ms(cfg.Dispatch.BreakerResetMS),
	})

	policy, err := dispatch.ParseSynthesisPolicy(cfg.Dispatch.SynthesisPolicy)
	if err != nil {
		return nil, err
	}

	guardOpts := loopguard.DefaultOptions()
	guardOpts.Thresholds = loopguard.Thresholds{
		Warn:       cfg.Guard.WarnLevel,
		Alternate:  cfg.Guard.AlternateLevel,
		Specialist: cfg.Guard.SpecialistLevel,
		Consult:    cfg.Guard.ConsultLevel,
	}
	guardOpts.AlternateTag = cfg.Guard.AlternateTag
	guardOpts.SpecialistTag = cfg.Guard.SpecialistTag
	if cfg.Guard.ConsultTimeoutMS > 0 {
		guardOpts.ConsultTimeout = ms(cfg.Guard.ConsultTimeoutMS)
	}
	guard := loopguard.New(guardOpts, loopguard.RuleConsultant{}, logger)

	reg, err := phase.BuildRegistry(cfg.Phases)
	if err != nil {
		return nil, err
	}

	taskStore := store.New()
	history := schedule.NewHistory(0)
	sched := schedule.NewScheduler(schedule.Weights{
		Work:    cfg.Scheduler.WorkWeight,
		Aging:   cfg.Scheduler.AgingWeight,
		Failure: cfg.Scheduler.FailureWeight,
	}, reg.Candidates(), logger)

	bus := events.NewBus()
	set := metrics.NewSet()

	eng, err := engine.New(engine.Components{
		Store:      taskStore,
		Scheduler:  sched,
		History:    history,
		Dispatcher: disp,
		Pool:       pool,
		Guard:      guard,
		Registry:   reg,
		Bus:        bus,
		Persist:    persist,
		Logger:     logger,
	}, engine.Settings{
		MaxAttempts:      cfg.Engine.MaxAttempts,
		MaxReactivations: cfg.Engine.MaxReactivations,
		DispatchTimeout:  ms(cfg.Dispatch.TimeoutMS),
		IdleSleep:        ms(cfg.Engine.IdleSleepMS),
		FanOut:           dispatch.FanOutConfig{Policy: policy, Quorum: cfg.Dispatch.ConsensusQuorum},
	})
	if err != nil {
		bus.Close()
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		store:   taskStore,
		history: history,
		guard:   guard,
		pool:    pool,
		pm:      pm,
		eng:     eng,
		metrics: set,
		persist: persist,
	}, nil
}

// close releases transports, subprocesses, and the snapshot store.
func (r *runtime) close() {
	r.bus.Close()
	for _, ep := range r.pool.Endpoints() {
		if err := ep.Invoker.Close(); err != nil {
			r.logger.Debug("closing invoker", "endpoint", ep.Name, "error", err)
		}
	}
	if err := r.pm.KillAll(); err != nil {
		r.logger.Warn("killing worker subprocesses", "error", err)
	}
	if r.persist != nil {
		if err := r.persist.Close(); err != nil {
			r.logger.Warn("closing snapshot store", "error", err)
		}
	}
}

// runEngine drives the engine with the metrics observer, the optional
// /metrics listener, and the optional TUI all running alongside.
func runEngine(ctx context.Context, rt *runtime, useTUI bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	obs := metrics.NewObserver(rt.metrics, rt.bus)
	wg.Add(1)
	go func() {
		defer wg.Done()
		obs.Run(ctx)
	}()

	// Status gauge is sampled, not event-driven: reactivations and skips
	// change several counts at once.
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				counts := make(map[string]int)
				for st, n := range rt.store.CountByStatus() {
					counts[st.String()] = n
				}
				rt.metrics.SetTaskCounts(counts)
			}
		}
	}()

	if addr := rt.cfg.Engine.MetricsAddr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.metrics.Serve(ctx, addr); err != nil {
				rt.logger.Error("metrics listener", "error", err)
			}
		}()
	}

	var tuiDone chan error
	if useTUI {
		prog := tea.NewProgram(tui.New(rt.bus), tea.WithAltScreen(), tea.WithContext(ctx))
		tuiDone = make(chan error, 1)
		go func() {
			_, err := prog.Run()
			tuiDone <- err
			cancel() // user quit the TUI; wind the engine down
		}()
	}

	err := rt.eng.Run(ctx)
	cancel()
	rt.bus.Close()

	if tuiDone != nil {
		if terr := <-tuiDone; terr != nil && !errors.Is(terr, tea.ErrProgramKilled) && err == nil {
			err = terr
		}
	}
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		rt.logger.Info("shutdown complete")
		return nil
	}
	return err
}
