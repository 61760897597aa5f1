package scheduler

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Config tunes the task system.
type Config struct {
	Workers              int           // Pool size, defaults to GOMAXPROCS
	StealBatchSize       int           // Max tasks moved per steal
	IdleDebounce         time.Duration // Idleness before the first steal attempt
	StealRetryMax        time.Duration // Cap of the back-off between steal attempts while idle
	ForceAbortAckTimeout time.Duration // How long ForceAbort waits for the worker
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Workers:              runtime.GOMAXPROCS(0),
		StealBatchSize:       4,
		IdleDebounce:         25 * time.Millisecond,
		StealRetryMax:        time.Minute,
		ForceAbortAckTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.StealBatchSize <= 0 {
		c.StealBatchSize = def.StealBatchSize
	}
	if c.IdleDebounce <= 0 {
		c.IdleDebounce = def.IdleDebounce
	}
	if c.StealRetryMax < c.IdleDebounce {
		c.StealRetryMax = def.StealRetryMax
	}
	if c.ForceAbortAckTimeout <= 0 {
		c.ForceAbortAckTimeout = def.ForceAbortAckTimeout
	}
	return c
}

// Option customizes a System.
type Option func(*System)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *System) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *System) {
		if m != nil {
			s.metrics = m
		}
	}
}

// TransitionFunc observes task status changes. It runs on worker goroutines
// and must return quickly.
type TransitionFunc func(id TaskID, from, to Status)

// WithTransitionHook registers an observer for task status changes.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(s *System) {
		s.hook = fn
	}
}
