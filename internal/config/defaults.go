package config

import (
	"time"

	"github.com/aristath/jobcore/internal/jobs"
	"github.com/aristath/jobcore/internal/persistence"
	"github.com/aristath/jobcore/internal/scheduler"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	sched := scheduler.DefaultConfig()
	job := jobs.DefaultConfig()
	retry := persistence.DefaultRetryConfig()

	return &Config{
		Scheduler: SchedulerConfig{
			Workers:              0,
			StealBatchSize:       sched.StealBatchSize,
			IdleDebounce:         Duration(sched.IdleDebounce),
			StealRetryMax:        Duration(sched.StealRetryMax),
			ForceAbortAckTimeout: Duration(sched.ForceAbortAckTimeout),
		},
		Jobs: JobsConfig{
			MaxInFlight:        job.MaxInFlight,
			CheckpointInterval: Duration(job.CheckpointInterval),
			CancelGracePeriod:  Duration(job.CancelGracePeriod),
			MaxConcurrentJobs:  4,
			AutoResume:         true,
		},
		Store: StoreConfig{
			Path: ".jobcore/jobcore.db",
			Retry: RetryConfig{
				InitialInterval:  Duration(retry.InitialInterval),
				MaxInterval:      Duration(retry.MaxInterval),
				MaxElapsedTime:   Duration(retry.MaxElapsedTime),
				FailureThreshold: retry.FailureThreshold,
				OpenTimeout:      Duration(retry.OpenTimeout),
			},
		},
		Events: EventsConfig{
			BufferSize: 256,
			Kafka:      KafkaConfig{Topic: "jobcore.events"},
		},
		API: APIConfig{
			Addr:        "127.0.0.1:8420",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SchedulerConfig converts the section into the task system's config.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Workers:              c.Scheduler.Workers,
		StealBatchSize:       c.Scheduler.StealBatchSize,
		IdleDebounce:         c.Scheduler.IdleDebounce.Std(),
		StealRetryMax:        c.Scheduler.StealRetryMax.Std(),
		ForceAbortAckTimeout: c.Scheduler.ForceAbortAckTimeout.Std(),
	}
}

// JobsConfig converts the section into the job manager's config.
func (c *Config) JobsConfig() jobs.Config {
	return jobs.Config{
		MaxInFlight:        c.Jobs.MaxInFlight,
		CheckpointInterval: c.Jobs.CheckpointInterval.Std(),
		CancelGracePeriod:  c.Jobs.CancelGracePeriod.Std(),
		MaxConcurrentJobs:  c.Jobs.MaxConcurrentJobs,
	}
}

// RetryConfig converts the store retry section.
func (c *Config) RetryConfig() persistence.RetryConfig {
	def := persistence.DefaultRetryConfig()
	return persistence.RetryConfig{
		InitialInterval:     c.Store.Retry.InitialInterval.Std(),
		MaxInterval:         c.Store.Retry.MaxInterval.Std(),
		MaxElapsedTime:      c.Store.Retry.MaxElapsedTime.Std(),
		Multiplier:          def.Multiplier,
		RandomizationFactor: def.RandomizationFactor,
		FailureThreshold:    c.Store.Retry.FailureThreshold,
		OpenTimeout:         c.Store.Retry.OpenTimeout.Std(),
	}
}

// ShutdownTimeout is how long the binary waits for jobs to persist on exit.
func (c *Config) ShutdownTimeout() time.Duration {
	return c.Jobs.CancelGracePeriod.Std() + c.Scheduler.ForceAbortAckTimeout.Std() + 5*time.Second
}
