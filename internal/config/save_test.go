package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Endpoints["w1"] = EndpointConfig{
		Transport:      "http",
		Address:        "http://localhost:9001",
		Tags:           []string{"code"},
		MaxConcurrency: 2,
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("config file contains invalid JSON: %v", err)
	}

	if loaded.Endpoints["w1"].Address != "http://localhost:9001" {
		t.Errorf("endpoint address not persisted: %+v", loaded.Endpoints["w1"])
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("config file was not created: %s", path)
	}
}

// Save then Load must round-trip without losing tuning.
func TestSaveLoadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Scheduler.AgingWeight = 2.5
	cfg.Guard.ConsultTimeoutMS = 5000
	cfg.Engine.MaxAttempts = 7
	cfg.Endpoints["gpu"] = EndpointConfig{
		Transport:      "nats",
		Address:        "work.gpu",
		NATSURL:        "nats://localhost:4222",
		Tags:           []string{"gpu", "specialist"},
		MaxConcurrency: 4,
		QueueDepth:     8,
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Scheduler.AgingWeight != 2.5 {
		t.Errorf("aging weight lost: %v", loaded.Scheduler.AgingWeight)
	}
	if loaded.Guard.ConsultTimeoutMS != 5000 {
		t.Errorf("consult timeout lost: %v", loaded.Guard.ConsultTimeoutMS)
	}
	if loaded.Engine.MaxAttempts != 7 {
		t.Errorf("max attempts lost: %v", loaded.Engine.MaxAttempts)
	}
	ep := loaded.Endpoints["gpu"]
	if ep.Transport != "nats" || ep.MaxConcurrency != 4 || len(ep.Tags) != 2 {
		t.Errorf("endpoint lost fields: %+v", ep)
	}
}
