package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.foreman/config.json
// Project: .foreman/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".foreman", "config.json")
	projectPath := filepath.Join(".foreman", "config.json")

	return Load(globalPath, projectPath)
}

// partial mirrors Config with optional sections, so a layer can override
// one section without restating the rest.
type partial struct {
	Endpoints map[string]EndpointConfig `json:"endpoints"`
	Phases    map[string]PhaseConfig    `json:"phases"`
	Scheduler *SchedulerConfig          `json:"scheduler"`
	Dispatch  *DispatchConfig           `json:"dispatch"`
	Guard     *GuardConfig              `json:"guard"`
	Engine    *EngineConfig             `json:"engine"`
}

// mergeConfigFile reads a JSON config file and merges it into the base.
// Map sections merge per key; struct sections replace wholesale when
// present. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded partial
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, ep := range loaded.Endpoints {
		base.Endpoints[key] = ep
	}
	for key, ph := range loaded.Phases {
		base.Phases[key] = ph
	}
	if loaded.Scheduler != nil {
		base.Scheduler = *loaded.Scheduler
	}
	if loaded.Dispatch != nil {
		base.Dispatch = *loaded.Dispatch
	}
	if loaded.Guard != nil {
		base.Guard = *loaded.Guard
	}
	if loaded.Engine != nil {
		base.Engine = *loaded.Engine
	}

	return nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *Config) error {
	if len(cfg.Phases) == 0 {
		return fmt.Errorf("no phases configured")
	}
	for name, ep := range cfg.Endpoints {
		switch ep.Transport {
		case "http", "nats", "exec":
		default:
			return fmt.Errorf("endpoint %s: unknown transport %q", name, ep.Transport)
		}
		if ep.MaxConcurrency < 0 {
			return fmt.Errorf("endpoint %s: negative max_concurrency", name)
		}
	}
	if cfg.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive")
	}
	return nil
}
