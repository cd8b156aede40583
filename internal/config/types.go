package config

// EndpointConfig defines one worker endpoint in the pool.
type EndpointConfig struct {
	Transport      string   `json:"transport"`                 // "http", "nats", or "exec"
	Address        string   `json:"address,omitempty"`         // URL, NATS subject, or command path
	NATSURL        string   `json:"nats_url,omitempty"`        // broker URL for nats transport
	Tags           []string `json:"tags,omitempty"`            // capability tags
	MaxConcurrency int      `json:"max_concurrency,omitempty"` // in-flight bound, default 1
	QueueDepth     int      `json:"queue_depth,omitempty"`     // bounded wait queue, default 4
}

// PhaseConfig defines one processing phase known to the scheduler.
type PhaseConfig struct {
	Capabilities []string `json:"capabilities,omitempty"` // tags required of workers
	Description  string   `json:"description,omitempty"`
}

// SchedulerConfig tunes phase selection.
type SchedulerConfig struct {
	WorkWeight    float64 `json:"work_weight"`
	AgingWeight   float64 `json:"aging_weight"`
	FailureWeight float64 `json:"failure_weight"`
}

// RetryConfig tunes transient-failure backoff.
type RetryConfig struct {
	InitialIntervalMS int     `json:"initial_interval_ms"`
	MaxIntervalMS     int     `json:"max_interval_ms"`
	MaxElapsedMS      int     `json:"max_elapsed_ms"`
	Multiplier        float64 `json:"multiplier"`
}

// DispatchConfig tunes the execution dispatcher.
type DispatchConfig struct {
	Strategy        string      `json:"strategy"` // "round-robin", "least-loaded", "capability-match"
	TimeoutMS       int         `json:"timeout_ms"`
	Retry           RetryConfig `json:"retry"`
	BreakerFailures int         `json:"breaker_failures"` // consecutive failures to trip
	BreakerResetMS  int         `json:"breaker_reset_ms"` // open-state duration
	SynthesisPolicy string      `json:"synthesis_policy"` // fan-out default
	ConsensusQuorum int         `json:"consensus_quorum"` // 0 = majority
}

// GuardConfig tunes the loop guard's escalation ladder.
type GuardConfig struct {
	WarnLevel        int    `json:"warn_level"`
	AlternateLevel   int    `json:"alternate_level"`
	SpecialistLevel  int    `json:"specialist_level"`
	ConsultLevel     int    `json:"consult_level"`
	AlternateTag     string `json:"alternate_tag"`
	SpecialistTag    string `json:"specialist_tag"`
	ConsultTimeoutMS int    `json:"consult_timeout_ms"`
}

// EngineConfig tunes the driving loop.
type EngineConfig struct {
	MaxAttempts      int    `json:"max_attempts"`      // attempts before SKIPPED
	MaxReactivations int    `json:"max_reactivations"` // reactivations before SKIPPED
	IdleSleepMS      int    `json:"idle_sleep_ms"`     // pause when no phase has work
	MetricsAddr      string `json:"metrics_addr,omitempty"`
	SnapshotPath     string `json:"snapshot_path,omitempty"` // SQLite file, empty = in-memory
	SeedDir          string `json:"seed_dir,omitempty"`      // YAML seed-task directory
}

// Config is the top-level configuration.
type Config struct {
	Endpoints map[string]EndpointConfig `json:"endpoints"`
	Phases    map[string]PhaseConfig    `json:"phases"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Dispatch  DispatchConfig            `json:"dispatch"`
	Guard     GuardConfig               `json:"guard"`
	Engine    EngineConfig              `json:"engine"`
}
