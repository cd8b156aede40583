package config

// DefaultConfig returns the built-in configuration: the standard four-phase
// pipeline, neutral scheduler weights, and the default escalation ladder.
// Endpoints are deliberately empty; a run with no endpoints is a fatal
// configuration error surfaced at engine start, not here.
func DefaultConfig() *Config {
	return &Config{
		Endpoints: map[string]EndpointConfig{},
		Phases: map[string]PhaseConfig{
			"planning":     {Description: "decompose work into tasks"},
			"execution":    {Description: "perform task work"},
			"verification": {Description: "check tentative successes"},
			"repair":       {Description: "retry failed work with context"},
		},
		Scheduler: SchedulerConfig{
			WorkWeight:    1.0,
			AgingWeight:   1.0,
			FailureWeight: 1.0,
		},
		Dispatch: DispatchConfig{
			Strategy:  "least-loaded",
			TimeoutMS: 300_000,
			Retry: RetryConfig{
				InitialIntervalMS: 100,
				MaxIntervalMS:     10_000,
				MaxElapsedMS:      120_000,
				Multiplier:        2.0,
			},
			BreakerFailures: 5,
			BreakerResetMS:  30_000,
			SynthesisPolicy: "merge_all",
		},
		Guard: GuardConfig{
			WarnLevel:        1,
			AlternateLevel:   2,
			SpecialistLevel:  3,
			ConsultLevel:     4,
			AlternateTag:     "alternate",
			SpecialistTag:    "specialist",
			ConsultTimeoutMS: 30_000,
		},
		Engine: EngineConfig{
			MaxAttempts:      5,
			MaxReactivations: 3,
			IdleSleepMS:      500,
			SnapshotPath:     ".foreman/state.db",
			SeedDir:          ".foreman/seeds",
		},
	}
}
