package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a string like "250ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	Workers              int      `json:"workers" yaml:"workers" toml:"workers"`                                                 // 0 means GOMAXPROCS
	StealBatchSize       int      `json:"steal_batch_size" yaml:"steal_batch_size" toml:"steal_batch_size"`                      // Max tasks moved per steal
	IdleDebounce         Duration `json:"idle_debounce" yaml:"idle_debounce" toml:"idle_debounce"`                               // Idleness before the first steal attempt
	StealRetryMax        Duration `json:"steal_retry_max" yaml:"steal_retry_max" toml:"steal_retry_max"`                         // Cap of the steal retry back-off
	ForceAbortAckTimeout Duration `json:"force_abort_ack_timeout" yaml:"force_abort_ack_timeout" toml:"force_abort_ack_timeout"` // Wait for a worker to confirm an abort
}

// JobsConfig tunes how jobs feed the pool.
type JobsConfig struct {
	MaxInFlight        int      `json:"max_in_flight" yaml:"max_in_flight" toml:"max_in_flight"`                   // Tasks per job in the pool at once
	CheckpointInterval Duration `json:"checkpoint_interval" yaml:"checkpoint_interval" toml:"checkpoint_interval"` // Minimum time between periodic checkpoints
	CancelGracePeriod  Duration `json:"cancel_grace_period" yaml:"cancel_grace_period" toml:"cancel_grace_period"` // Before a canceled task is force-aborted
	MaxConcurrentJobs  int      `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs" toml:"max_concurrent_jobs"` // 0 means unlimited
	AutoResume         bool     `json:"auto_resume" yaml:"auto_resume" toml:"auto_resume"`                         // Resume unfinished jobs on start
}

// RetryConfig tunes store retries and the circuit breaker.
type RetryConfig struct {
	InitialInterval  Duration `json:"initial_interval" yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval      Duration `json:"max_interval" yaml:"max_interval" toml:"max_interval"`
	MaxElapsedTime   Duration `json:"max_elapsed_time" yaml:"max_elapsed_time" toml:"max_elapsed_time"`
	FailureThreshold uint32   `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	OpenTimeout      Duration `json:"open_timeout" yaml:"open_timeout" toml:"open_timeout"`
}

// StoreConfig locates the report database.
type StoreConfig struct {
	Path  string      `json:"path" yaml:"path" toml:"path"`
	Retry RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
}

// KafkaConfig enables forwarding events to Kafka when Brokers is set.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty" toml:"brokers,omitempty"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
}

// EventsConfig configures the event stream.
type EventsConfig struct {
	BufferSize int         `json:"buffer_size" yaml:"buffer_size" toml:"buffer_size"` // Per-subscriber channel size
	Kafka      KafkaConfig `json:"kafka" yaml:"kafka" toml:"kafka"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"` // Empty disables the server
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"`
	MetricsPath    string   `json:"metrics_path" yaml:"metrics_path" toml:"metrics_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `json:"level" yaml:"level" toml:"level"`
	File        string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"` // Empty logs to stderr
	Development bool   `json:"development" yaml:"development" toml:"development"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs" toml:"jobs"`
	Store     StoreConfig     `json:"store" yaml:"store" toml:"store"`
	Events    EventsConfig    `json:"events" yaml:"events" toml:"events"`
	API       APIConfig       `json:"api" yaml:"api" toml:"api"`
	Log       LogConfig       `json:"log" yaml:"log" toml:"log"`
}
