package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Each file only overrides the keys it sets. The format follows the file
// extension: .yaml/.yml, .toml, anything else is JSON.
// Missing files are not errors; malformed files return an error.
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns ~/.jobcore/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".jobcore", "config.json"), nil
}

// ProjectPath is the project config, relative to the working directory.
const ProjectPath = ".jobcore/config.json"

// LoadDefault loads configuration from conventional paths.
// Global: ~/.jobcore/config.json
// Project: .jobcore/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath)
}

// mergeConfigFile decodes path on top of base.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, base)
	case ".toml":
		_, err = toml.Decode(string(data), base)
	default:
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Workers < 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must not be negative, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.StealBatchSize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.steal_batch_size must not be negative, got %d", c.Scheduler.StealBatchSize))
	}
	if c.Jobs.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_in_flight must not be negative, got %d", c.Jobs.MaxInFlight))
	}
	if c.Jobs.MaxConcurrentJobs < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent_jobs must not be negative, got %d", c.Jobs.MaxConcurrentJobs))
	}
	for name, d := range map[string]Duration{
		"scheduler.idle_debounce":           c.Scheduler.IdleDebounce,
		"scheduler.steal_retry_max":         c.Scheduler.StealRetryMax,
		"scheduler.force_abort_ack_timeout": c.Scheduler.ForceAbortAckTimeout,
		"jobs.checkpoint_interval":          c.Jobs.CheckpointInterval,
		"jobs.cancel_grace_period":          c.Jobs.CancelGracePeriod,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		errs = append(errs, errors.New("events.kafka.topic is required when brokers are set"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
