package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/jobcore/internal/jobs"
)

// flakyStore fails the first failures calls of every operation, then
// delegates to the wrapped store.
type flakyStore struct {
	Store
	failures atomic.Int32
	calls    atomic.Int32
}

var errDiskBusy = errors.New("database is locked")

func (f *flakyStore) fail() error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errDiskBusy
	}
	return nil
}

func (f *flakyStore) SaveReport(ctx context.Context, r jobs.Report) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.SaveReport(ctx, r)
}

func (f *flakyStore) LoadReport(ctx context.Context, id jobs.JobID) (jobs.Report, error) {
	if err := f.fail(); err != nil {
		return jobs.Report{}, err
	}
	return f.Store.LoadReport(ctx, id)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      500 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
		FailureThreshold:    3,
		OpenTimeout:         time.Minute,
	}
}

func TestResilientStoreRetriesTransientErrors(t *testing.T) {
	flaky := &flakyStore{Store: testStore(t)}
	flaky.failures.Store(2)
	store := NewResilientStore(flaky, fastRetry(), nil)

	var retries atomic.Int32
	store.OnRetry(func(string, error, time.Duration) { retries.Add(1) })

	report := newReport("scan", jobs.StatusQueued, time.Now())
	if err := store.SaveReport(context.Background(), report); err != nil {
		t.Fatalf("expected save to succeed after retries, got %v", err)
	}
	if got := retries.Load(); got != 2 {
		t.Errorf("expected 2 retries, got %d", got)
	}
	if store.State() != gobreaker.StateClosed {
		t.Errorf("breaker should stay closed, got %v", store.State())
	}

	got, err := store.LoadReport(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("failed to load report: %v", err)
	}
	if got.ID != report.ID {
		t.Errorf("ID mismatch: got %s, want %s", got.ID, report.ID)
	}
}

func TestResilientStoreDoesNotRetryNotFound(t *testing.T) {
	flaky := &flakyStore{Store: testStore(t)}
	store := NewResilientStore(flaky, fastRetry(), nil)

	for i := 0; i < 10; i++ {
		_, err := store.LoadReport(context.Background(), jobs.NewJobID())
		if !errors.Is(err, jobs.ErrReportNotFound) {
			t.Fatalf("expected ErrReportNotFound, got %v", err)
		}
	}
	if got := flaky.calls.Load(); got != 10 {
		t.Errorf("expected exactly one call per lookup, got %d", got)
	}
	if store.State() != gobreaker.StateClosed {
		t.Errorf("not-found must not trip the breaker, got %v", store.State())
	}
}

func TestResilientStoreOpensBreaker(t *testing.T) {
	flaky := &flakyStore{Store: testStore(t)}
	flaky.failures.Store(1 << 20)
	store := NewResilientStore(flaky, fastRetry(), nil)

	err := store.SaveReport(context.Background(), newReport("scan", jobs.StatusQueued, time.Now()))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker after repeated failures, got %v", err)
	}
	if store.State() != gobreaker.StateOpen {
		t.Errorf("expected open breaker, got %v", store.State())
	}

	// While open, calls fail fast without reaching the store.
	before := flaky.calls.Load()
	_, err = store.LoadReport(context.Background(), jobs.NewJobID())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if flaky.calls.Load() != before {
		t.Error("open breaker let a call through")
	}
}

func TestResilientStoreHonorsContext(t *testing.T) {
	flaky := &flakyStore{Store: testStore(t)}
	flaky.failures.Store(1 << 20)
	cfg := fastRetry()
	cfg.FailureThreshold = 1000
	cfg.MaxElapsedTime = time.Minute
	store := NewResilientStore(flaky, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := store.SaveReport(ctx, newReport("scan", jobs.StatusQueued, time.Now()))
	if err == nil {
		t.Fatal("expected an error once the context expired")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retry loop ignored the context for %v", elapsed)
	}
}
