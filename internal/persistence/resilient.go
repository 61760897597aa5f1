package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/jobcore/internal/jobs"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 50ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 15s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	FailureThreshold    uint32        // Consecutive failures that open the breaker (default 5)
	OpenTimeout         time.Duration // How long the breaker stays open (default 30s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      15 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
	}
}

// ResilientStore wraps a store with retries behind a circuit breaker.
// Not-found and caller cancellation are answers, not failures: they are
// neither retried nor counted against the breaker.
type ResilientStore struct {
	inner   Store
	cb      *gobreaker.CircuitBreaker
	retry   RetryConfig
	log     *zap.Logger
	onRetry func(op string, err error, wait time.Duration)
}

var _ Store = (*ResilientStore)(nil)

// NewResilientStore wraps inner. log may be nil.
func NewResilientStore(inner Store, cfg RetryConfig, log *zap.Logger) *ResilientStore {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultRetryConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.InitialInterval)
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = def.MaxElapsedTime
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	s := &ResilientStore{inner: inner, retry: cfg, log: log}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "report-store",
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		IsSuccessful: isAnswer,
	})
	return s
}

// isAnswer reports whether err is a definite answer from the store rather
// than a failure of the store.
func isAnswer(err error) bool {
	return err == nil ||
		errors.Is(err, jobs.ErrReportNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// OnRetry installs a hook called before each retry. Not safe to call
// concurrently with store operations.
func (s *ResilientStore) OnRetry(fn func(op string, err error, wait time.Duration)) {
	s.onRetry = fn
}

// State returns the breaker state.
func (s *ResilientStore) State() gobreaker.State {
	return s.cb.State()
}

// SaveReport saves with retry.
func (s *ResilientStore) SaveReport(ctx context.Context, r jobs.Report) error {
	_, err := do(ctx, s, "save_report", func() (struct{}, error) {
		return struct{}{}, s.inner.SaveReport(ctx, r)
	})
	return err
}

// LoadReport loads with retry.
func (s *ResilientStore) LoadReport(ctx context.Context, id jobs.JobID) (jobs.Report, error) {
	return do(ctx, s, "load_report", func() (jobs.Report, error) {
		return s.inner.LoadReport(ctx, id)
	})
}

// ListReports lists with retry.
func (s *ResilientStore) ListReports(ctx context.Context, filter jobs.ReportFilter) ([]jobs.Report, error) {
	return do(ctx, s, "list_reports", func() ([]jobs.Report, error) {
		return s.inner.ListReports(ctx, filter)
	})
}

// ListNonTerminalReports lists with retry.
func (s *ResilientStore) ListNonTerminalReports(ctx context.Context) ([]jobs.Report, error) {
	return do(ctx, s, "list_non_terminal_reports", func() ([]jobs.Report, error) {
		return s.inner.ListNonTerminalReports(ctx)
	})
}

// DeleteReport deletes with retry.
func (s *ResilientStore) DeleteReport(ctx context.Context, id jobs.JobID) error {
	_, err := do(ctx, s, "delete_report", func() (struct{}, error) {
		return struct{}{}, s.inner.DeleteReport(ctx, id)
	})
	return err
}

// Close closes the wrapped store.
func (s *ResilientStore) Close() error {
	return s.inner.Close()
}

// do runs fn with exponential backoff retry and circuit breaker protection.
func do[T any](ctx context.Context, s *ResilientStore, op string, fn func() (T, error)) (T, error) {
	var result T

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		v, err := s.cb.Execute(func() (interface{}, error) {
			v, err := fn()
			return v, err
		})
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if isAnswer(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		result = v.(T)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialInterval
	policy.MaxInterval = s.retry.MaxInterval
	policy.MaxElapsedTime = s.retry.MaxElapsedTime
	policy.Multiplier = s.retry.Multiplier
	policy.RandomizationFactor = s.retry.RandomizationFactor

	notify := func(err error, wait time.Duration) {
		s.log.Debug("retrying store operation", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		if s.onRetry != nil {
			s.onRetry(op, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	return result, err
}
