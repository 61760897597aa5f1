package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/scheduler"
)

// memStore is a ReportStore kept in a map.
type memStore struct {
	mu      sync.Mutex
	reports map[JobID]Report
	saves   atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{reports: make(map[JobID]Report)}
}

func (s *memStore) SaveReport(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.ID] = r.Clone()
	s.saves.Add(1)
	return nil
}

func (s *memStore) LoadReport(_ context.Context, id JobID) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return Report{}, ErrReportNotFound
	}
	return r.Clone(), nil
}

func (s *memStore) ListReports(_ context.Context, f ReportFilter) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Report
	for _, r := range s.reports {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Report) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) ListNonTerminalReports(ctx context.Context) ([]Report, error) {
	return s.ListReports(ctx, ReportFilter{Statuses: NonTerminalStatuses()})
}

func (s *memStore) DeleteReport(_ context.Context, id JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return ErrReportNotFound
	}
	delete(s.reports, id)
	return nil
}

// hookStore runs beforeSave ahead of every save.
type hookStore struct {
	*memStore
	beforeSave func(r Report)
}

func (s *hookStore) SaveReport(ctx context.Context, r Report) error {
	if s.beforeSave != nil {
		s.beforeSave(r)
	}
	return s.memStore.SaveReport(ctx, r)
}

func (s *memStore) children(parent JobID) []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Report
	for _, r := range s.reports {
		if r.ParentID != nil && *r.ParentID == parent {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Report) int { return strings.Compare(a.Action, b.Action) })
	return out
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// countJob runs one task per index and records which indexes finished.
// Tasks listed in fail return that error instead.
type countJob struct {
	total     int
	fail      map[int]error
	outputErr map[int]error // returned by HandleOutput for that index
	block     bool          // tasks wait for an interrupt instead of finishing

	gate     <-chan struct{} // tasks from gateFrom on wait for it, or for an interrupt
	gateFrom int

	onOutput func(done int)
	executed *sync.Map // index -> *atomic.Int32, survives across job instances

	done map[int]bool
}

type countState struct {
	Total int   `json:"total"`
	Done  []int `json:"done"`
}

func newCountJob(total int, executed *sync.Map) *countJob {
	return &countJob{total: total, executed: executed, done: make(map[int]bool)}
}

func (j *countJob) Name() string { return "count" }

func (j *countJob) InitialTasks(_ context.Context, jc *Context) ([]scheduler.Task, error) {
	jc.SetPhase("processing")
	jc.ReportProgress(uint64(len(j.done)), uint64(j.total), "")

	var tasks []scheduler.Task
	for i := 0; i < j.total; i++ {
		if !j.done[i] {
			tasks = append(tasks, j.task(i))
		}
	}
	return tasks, nil
}

func (j *countJob) task(i int) scheduler.Task {
	return scheduler.NewFuncTask(func(ctx context.Context, intr *scheduler.Interrupter) (scheduler.ExecStatus, error) {
		if st, ok := intr.Interrupted(); ok {
			return st, nil
		}
		if err, ok := j.fail[i]; ok {
			return scheduler.ExecStatus{}, err
		}
		if j.block {
			<-intr.Signal()
			st, _ := intr.Interrupted()
			return st, nil
		}
		if j.gate != nil && i >= j.gateFrom {
			select {
			case <-j.gate:
			case <-intr.Signal():
				st, _ := intr.Interrupted()
				return st, nil
			}
		}
		time.Sleep(100 * time.Microsecond)
		if j.executed != nil {
			c, _ := j.executed.LoadOrStore(i, new(atomic.Int32))
			c.(*atomic.Int32).Add(1)
		}
		return scheduler.Done(i), nil
	})
}

func (j *countJob) HandleOutput(_ context.Context, jc *Context, out TaskOutput) ([]scheduler.Task, error) {
	j.done[out.Output.(int)] = true
	jc.Advance(1, fmt.Sprintf("task %d", out.Output))
	if j.onOutput != nil {
		j.onOutput(len(j.done))
	}
	return nil, j.outputErr[out.Output.(int)]
}

// keyedJob is a countJob that refuses to run twice for the same key.
type keyedJob struct {
	*countJob
	key string
}

func (j keyedJob) Key() string { return j.key }

func (j *countJob) ResumeState() (any, error) {
	st := countState{Total: j.total}
	for i := range j.done {
		st.Done = append(st.Done, i)
	}
	slices.Sort(st.Done)
	return st, nil
}

func (j *countJob) Restore(data []byte) error {
	var st countState
	if err := DecodeState(data, &st); err != nil {
		return err
	}
	j.total = st.Total
	for _, i := range st.Done {
		j.done[i] = true
	}
	return nil
}

// chainJob produces one task whose outputs spawn follow-ups until depth is reached.
type chainJob struct {
	depth int
	seen  []int
}

func (j *chainJob) Name() string { return "chain" }

func (j *chainJob) InitialTasks(context.Context, *Context) ([]scheduler.Task, error) {
	return []scheduler.Task{j.step(0)}, nil
}

func (j *chainJob) step(n int) scheduler.Task {
	return scheduler.NewFuncTask(func(context.Context, *scheduler.Interrupter) (scheduler.ExecStatus, error) {
		return scheduler.Done(n), nil
	})
}

func (j *chainJob) HandleOutput(_ context.Context, jc *Context, out TaskOutput) ([]scheduler.Task, error) {
	n := out.Output.(int)
	j.seen = append(j.seen, n)
	jc.Advance(1, "")
	if n+1 < j.depth {
		jc.AddTotal(1)
		return []scheduler.Task{j.step(n + 1)}, nil
	}
	return nil, nil
}

func (j *chainJob) ResumeState() (any, error) { return nil, nil }
func (j *chainJob) Restore([]byte) error      { return nil }

// finishingJob records the Finish call.
type finishingJob struct {
	chainJob
	finishErr error
	finished  bool
}

func (j *finishingJob) Finish(context.Context, *Context) error {
	j.finished = true
	return j.finishErr
}

type recordingMetrics struct {
	mu       sync.Mutex
	statuses []Status
	outcomes map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: make(map[string]int)}
}

func (m *recordingMetrics) JobStatusChanged(_ string, s Status) {
	m.mu.Lock()
	m.statuses = append(m.statuses, s)
	m.mu.Unlock()
}

func (m *recordingMetrics) JobTaskFinished(_ string, outcome string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) outcome(o string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[o]
}

type testEnv struct {
	sys     *scheduler.System
	store   *memStore
	bus     *events.EventBus
	mgr     *Manager
	metrics *recordingMetrics
}

func newTestEnv(t *testing.T, cfg Config, store *memStore, opts ...Option) *testEnv {
	t.Helper()
	if store == nil {
		store = newMemStore()
	}
	sys := scheduler.NewSystem(scheduler.Config{
		Workers:      4,
		IdleDebounce: 5 * time.Millisecond,
	})
	bus := events.NewEventBus()
	metrics := newRecordingMetrics()
	opts = append([]Option{WithMetrics(metrics)}, opts...)
	mgr := NewManager(sys, store, bus, cfg, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		bus.Close()
	})
	return &testEnv{sys: sys, store: store, bus: bus, mgr: mgr, metrics: metrics}
}

func testConfig() Config {
	return Config{
		MaxInFlight:        16,
		CheckpointInterval: 20 * time.Millisecond,
		CancelGracePeriod:  50 * time.Millisecond,
	}
}

func (e *testEnv) wait(t *testing.T, id JobID) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := e.mgr.Wait(ctx, id)
	require.NoError(t, err)
	return rep
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

var errBroken = errors.New("broken input")
