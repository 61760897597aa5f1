package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Jobs.CheckpointInterval = Duration(2 * time.Second)

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	// Durations are written as strings.
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if got := raw["jobs"]["checkpoint_interval"]; got != "2s" {
		t.Errorf("Expected checkpoint_interval '2s', got %v", got)
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Jobs.MaxInFlight = -5

	if err := Save(cfg, path); err == nil {
		t.Fatal("expected Save to reject an invalid config")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid config should not be written")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := DefaultConfig()
			cfg.Scheduler.Workers = 12
			cfg.Scheduler.IdleDebounce = Duration(7 * time.Millisecond)
			cfg.Jobs.AutoResume = false
			cfg.Jobs.MaxConcurrentJobs = 1
			cfg.Events.Kafka.Brokers = []string{"a:9092", "b:9092"}
			cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
			cfg.Log.Level = "debug"

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load(path, "")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.Scheduler.Workers != 12 {
				t.Errorf("workers mismatch: got %d", loaded.Scheduler.Workers)
			}
			if loaded.Scheduler.IdleDebounce.Std() != 7*time.Millisecond {
				t.Errorf("idle debounce mismatch: got %v", loaded.Scheduler.IdleDebounce)
			}
			if loaded.Jobs.AutoResume {
				t.Error("auto_resume should be false")
			}
			if loaded.Jobs.MaxConcurrentJobs != 1 {
				t.Errorf("max concurrent jobs mismatch: got %d", loaded.Jobs.MaxConcurrentJobs)
			}
			if len(loaded.Events.Kafka.Brokers) != 2 || loaded.Events.Kafka.Brokers[1] != "b:9092" {
				t.Errorf("brokers mismatch: got %v", loaded.Events.Kafka.Brokers)
			}
			if len(loaded.API.AllowedOrigins) != 1 {
				t.Errorf("allowed origins mismatch: got %v", loaded.API.AllowedOrigins)
			}
			if loaded.Log.Level != "debug" {
				t.Errorf("log level mismatch: got %q", loaded.Log.Level)
			}
		})
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first := DefaultConfig()
	first.Store.Path = "first.db"
	if err := Save(first, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := DefaultConfig()
	second.Store.Path = "second.db"
	if err := Save(second, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Store.Path != "second.db" {
		t.Errorf("Expected 'second.db', got '%s'", loaded.Store.Path)
	}
}
