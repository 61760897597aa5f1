package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/scheduler"
)

// Config tunes how jobs drive the task system.
type Config struct {
	MaxInFlight        int           // Tasks per job dispatched at once, 0 for no limit
	CheckpointInterval time.Duration // Minimum time between periodic checkpoints, 0 to checkpoint only on pause, shutdown and completion
	CancelGracePeriod  time.Duration // Time a canceled task gets before it is force-aborted
	MaxConcurrentJobs  int           // Jobs running at once, 0 for no limit
}

// DefaultConfig returns the job defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:        256,
		CheckpointInterval: 5 * time.Second,
		CancelGracePeriod:  5 * time.Second,
		MaxConcurrentJobs:  0,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithResources injects the resources jobs reach through Context.Resources.
func WithResources(r Resources) Option {
	return func(m *Manager) { m.resources = r }
}

// WithRegistry uses a prepared registry instead of an empty one.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// DispatchOption sets optional fields on a new job.
type DispatchOption func(*dispatchSpec)

type dispatchSpec struct {
	report *Report
	next   []Job
}

// WithParent links the job to the job that spawned it.
func WithParent(id JobID) DispatchOption {
	return func(d *dispatchSpec) { d.report.ParentID = &id }
}

// WithAction records the user action that started the job.
func WithAction(action string) DispatchOption {
	return func(d *dispatchSpec) { d.report.Action = action }
}

// WithMetadata attaches free-form key/values to the report.
func WithMetadata(md map[string]string) DispatchOption {
	return func(d *dispatchSpec) {
		if d.report.Metadata == nil {
			d.report.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			d.report.Metadata[k] = v
		}
	}
}

// WithNext queues jobs to run one after another once this job completes.
// Each gets this job as parent and, if it has an action, the action
// "<action>-<n>". They are canceled if this job fails or is canceled.
// Next jobs must be registered so they can be rebuilt after a restart.
func WithNext(next ...Job) DispatchOption {
	return func(d *dispatchSpec) { d.next = append(d.next, next...) }
}

// ApplyOptions sets the report fields carried by opts on r and returns the
// next jobs they queue.
func ApplyOptions(r *Report, opts ...DispatchOption) []Job {
	spec := dispatchSpec{report: r}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec.next
}

// Manager runs jobs on a task system and is the control surface for them.
type Manager struct {
	sys       *scheduler.System
	store     ReportStore
	bus       *events.EventBus
	log       *zap.Logger
	metrics   Metrics
	cfg       Config
	resources Resources
	registry  *Registry
	slots     *semaphore.Weighted

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	runners map[JobID]*runner
	keys    map[string]JobID // key of each active Keyed job
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a manager. bus may be nil.
func NewManager(sys *scheduler.System, store ReportStore, bus *events.EventBus, cfg Config, opts ...Option) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sys:       sys,
		store:     store,
		bus:       bus,
		log:       zap.NewNop(),
		metrics:   NilMetrics{},
		cfg:       cfg,
		resources: Resources{},
		registry:  NewRegistry(),
		runCtx:    runCtx,
		cancelRun: cancel,
		runners:   make(map[JobID]*runner),
		keys:      make(map[string]JobID),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.MaxConcurrentJobs > 0 {
		m.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs))
	}
	return m
}

// Register adds a factory used to rebuild jobs of that name from reports.
func (m *Manager) Register(name string, f Factory) {
	m.registry.Register(name, f)
}

// Registry returns the job registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Dispatch persists a new job as Queued and starts running it as soon as a
// job slot is free. The report carries the job's initial resume state, so a
// job interrupted before its first checkpoint can still be resumed.
func (m *Manager) Dispatch(ctx context.Context, job Job, opts ...DispatchOption) (JobID, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return JobID{}, ErrManagerClosed
	}

	now := time.Now()
	report := Report{
		ID:        NewJobID(),
		Name:      job.Name(),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	next := ApplyOptions(&report, opts...)

	state, err := job.ResumeState()
	if err != nil {
		return JobID{}, fmt.Errorf("collecting state of new job %s: %w", job.Name(), err)
	}
	if report.ResumeState, err = encodeState(state); err != nil {
		return JobID{}, err
	}
	if report.Next, err = m.queueNext(report, next); err != nil {
		return JobID{}, err
	}

	if err := m.claimKey(job, report.ID); err != nil {
		return JobID{}, err
	}
	if err := m.store.SaveReport(ctx, report); err != nil {
		m.releaseKey(report.ID)
		return JobID{}, fmt.Errorf("saving new job %s: %w", job.Name(), err)
	}
	if err := m.start(job, report, false); err != nil {
		m.releaseKey(report.ID)
		// The caller sees the error, so the job must not come back on resume.
		if delErr := m.store.DeleteReport(context.WithoutCancel(ctx), report.ID); delErr != nil {
			m.log.Warn("removing unstarted job", zap.Stringer("job_id", report.ID), zap.Error(delErr))
		}
		return JobID{}, err
	}

	m.log.Info("job dispatched", zap.String("job", report.Name), zap.Stringer("job_id", report.ID))
	return report.ID, nil
}

// queueNext encodes the jobs to run after parent completes.
func (m *Manager) queueNext(parent Report, next []Job) ([]NextJob, error) {
	if len(next) == 0 {
		return nil, nil
	}
	out := make([]NextJob, 0, len(next))
	for i, job := range next {
		if !m.registry.Has(job.Name()) {
			return nil, fmt.Errorf("queueing next job: %w: %q", ErrUnknownJobName, job.Name())
		}
		state, err := job.ResumeState()
		if err != nil {
			return nil, fmt.Errorf("collecting state of next job %s: %w", job.Name(), err)
		}
		encoded, err := encodeState(state)
		if err != nil {
			return nil, err
		}
		n := NextJob{Name: job.Name(), ParentID: parent.ID, State: encoded}
		if parent.Action != "" {
			n.Action = fmt.Sprintf("%s-%d", parent.Action, i+1)
		}
		out = append(out, n)
	}
	return out, nil
}

// launchNext starts the first of next and hands it the rest of the queue.
// A job that is saved but cannot start stays queued for ResumeAll.
func (m *Manager) launchNext(ctx context.Context, next []NextJob) (JobID, error) {
	first := next[0]
	job, err := m.registry.New(first.Name)
	if err != nil {
		m.cancelNext(ctx, next)
		return JobID{}, fmt.Errorf("starting next job: %w", err)
	}

	now := time.Now()
	parent := first.ParentID
	rep := Report{
		ID:          NewJobID(),
		Name:        first.Name,
		Status:      StatusQueued,
		Action:      first.Action,
		ParentID:    &parent,
		ResumeState: first.State,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(next) > 1 {
		rep.Next = next[1:]
	}
	rep = rep.Clone()

	if err := m.store.SaveReport(ctx, rep); err != nil {
		m.cancelNext(ctx, next[1:])
		return JobID{}, fmt.Errorf("saving next job %s: %w", first.Name, err)
	}
	if err := m.start(job, rep, true); err != nil {
		return rep.ID, err
	}
	m.log.Info("next job dispatched",
		zap.String("job", rep.Name),
		zap.Stringer("job_id", rep.ID),
		zap.Stringer("parent_id", parent))
	return rep.ID, nil
}

// cancelNext records queued next jobs as canceled so the chain stays
// visible after its parent did not complete.
func (m *Manager) cancelNext(ctx context.Context, next []NextJob) {
	for _, n := range next {
		now := time.Now()
		parent := n.ParentID
		rep := Report{
			ID:          NewJobID(),
			Name:        n.Name,
			Status:      StatusCanceled,
			Action:      n.Action,
			ParentID:    &parent,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if err := m.saveInactive(ctx, rep); err != nil {
			m.log.Warn("recording canceled next job", zap.String("job", n.Name), zap.Error(err))
		}
	}
}

// claimKey reserves the key of a Keyed job for id. It fails while another
// active job holds the same key.
func (m *Manager) claimKey(job Job, id JobID) error {
	key := jobKey(job)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.keys[key]; ok && owner != id {
		return fmt.Errorf("%s is running as job %s: %w", job.Name(), owner, ErrJobAlreadyRunning)
	}
	m.keys[key] = id
	return nil
}

func (m *Manager) releaseKey(id JobID) {
	m.mu.Lock()
	m.releaseKeyLocked(id)
	m.mu.Unlock()
}

func (m *Manager) releaseKeyLocked(id JobID) {
	for key, owner := range m.keys {
		if owner == id {
			delete(m.keys, key)
		}
	}
}

func (m *Manager) start(job Job, report Report, resuming bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if _, active := m.runners[report.ID]; active {
		return fmt.Errorf("job %s: %w", report.ID, ErrJobActive)
	}

	r := newRunner(m, job, report, resuming)
	m.runners[report.ID] = r
	m.wg.Add(1)
	go r.run()
	return nil
}

func (m *Manager) detach(r *runner) {
	m.mu.Lock()
	if m.runners[r.jc.id] == r {
		delete(m.runners, r.jc.id)
		m.releaseKeyLocked(r.jc.id)
	}
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) releaseSlot() {
	if m.slots != nil {
		m.slots.Release(1)
	}
}

func (m *Manager) active(id JobID) (*runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	return r, ok
}

func (m *Manager) activeSnapshots() map[JobID]Report {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	out := make(map[JobID]Report, len(runners))
	for _, r := range runners {
		out[r.jc.id] = r.jc.Report()
	}
	return out
}

// ListJobs returns reports, newest first, optionally filtered by status.
// Jobs running in this process show their live state.
func (m *Manager) ListJobs(ctx context.Context, statuses ...Status) ([]Report, error) {
	stored, err := m.store.ListReports(ctx, ReportFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	live := m.activeSnapshots()
	filter := ReportFilter{Statuses: statuses}
	out := make([]Report, 0, len(stored))
	for _, r := range stored {
		if snap, ok := live[r.ID]; ok {
			r = snap
			delete(live, r.ID)
		}
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	for _, snap := range live {
		if filter.Matches(snap) {
			out = append(out, snap)
		}
	}

	slices.SortStableFunc(out, func(a, b Report) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// GetJob returns one report.
func (m *Manager) GetJob(ctx context.Context, id JobID) (Report, error) {
	if r, ok := m.active(id); ok {
		return r.jc.Report(), nil
	}
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id JobID) (Report, error) {
	r, err := m.store.LoadReport(ctx, id)
	if errors.Is(err, ErrReportNotFound) {
		return Report{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return Report{}, fmt.Errorf("loading job %s: %w", id, err)
	}
	return r, nil
}

// PauseJob stops feeding the job's tasks to the system and pauses the ones
// in flight. Pausing a paused job is a no-op.
func (m *Manager) PauseJob(ctx context.Context, id JobID) error {
	if r, ok := m.active(id); ok {
		return r.control(ctx, ctlPause)
	}

	rep, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if rep.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, rep.Status, ErrJobTerminal)
	}
	if rep.Status == StatusPaused {
		return nil
	}
	rep.Status = StatusPaused
	return m.saveInactive(ctx, rep)
}

// ResumeJob resumes a paused job. A persisted job that is not running in
// this process is rebuilt from its report.
func (m *Manager) ResumeJob(ctx context.Context, id JobID) error {
	if r, ok := m.active(id); ok {
		return r.control(ctx, ctlResume)
	}

	rep, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if rep.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, rep.Status, ErrJobTerminal)
	}
	_, err = m.ResumeFromReport(ctx, rep)
	return err
}

// CancelJob cancels a job. Its outstanding tasks are canceled and, after the
// grace period, force-aborted.
func (m *Manager) CancelJob(ctx context.Context, id JobID) error {
	if r, ok := m.active(id); ok {
		return r.control(ctx, ctlCancel)
	}

	rep, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if rep.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, rep.Status, ErrJobTerminal)
	}
	now := time.Now()
	next := rep.Next
	rep.Status = StatusCanceled
	rep.CompletedAt = &now
	rep.ResumeState = nil
	rep.Next = nil
	if err := m.saveInactive(ctx, rep); err != nil {
		return err
	}
	m.cancelNext(ctx, next)
	return nil
}

func (m *Manager) saveInactive(ctx context.Context, rep Report) error {
	rep.UpdatedAt = time.Now()
	if err := m.store.SaveReport(ctx, rep); err != nil {
		return fmt.Errorf("saving job %s: %w", rep.ID, err)
	}
	m.bus.Publish(events.TopicJob, events.JobStatusEvent{
		JobID:     rep.ID.String(),
		Name:      rep.Name,
		Status:    rep.Status.String(),
		Error:     rep.CriticalError,
		Timestamp: rep.UpdatedAt,
	})
	m.metrics.JobStatusChanged(rep.Name, rep.Status)
	return nil
}

// DeleteJob removes the report of a job that is not active.
func (m *Manager) DeleteJob(ctx context.Context, id JobID) error {
	if _, ok := m.active(id); ok {
		return fmt.Errorf("job %s: %w", id, ErrJobActive)
	}
	err := m.store.DeleteReport(ctx, id)
	if errors.Is(err, ErrReportNotFound) {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return err
}

// Wait blocks until the job stops running in this process and returns its
// last report.
func (m *Manager) Wait(ctx context.Context, id JobID) (Report, error) {
	r, ok := m.active(id)
	if !ok {
		rep, err := m.load(ctx, id)
		if err != nil {
			return Report{}, err
		}
		if !rep.Status.IsTerminal() {
			return rep, fmt.Errorf("job %s is %s: %w", id, rep.Status, ErrJobNotActive)
		}
		return rep, nil
	}

	select {
	case <-r.done:
		return r.final, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Resumable lists persisted jobs that did not finish and are not running.
func (m *Manager) Resumable(ctx context.Context) ([]Report, error) {
	reports, err := m.store.ListNonTerminalReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing resumable jobs: %w", err)
	}
	out := reports[:0]
	for _, r := range reports {
		if _, ok := m.active(r.ID); !ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ResumeFromReport rebuilds a job through the registry, restores its resume
// state and runs it again under the same ID.
func (m *Manager) ResumeFromReport(ctx context.Context, rep Report) (JobID, error) {
	if rep.Status.IsTerminal() {
		return JobID{}, fmt.Errorf("job %s is %s: %w", rep.ID, rep.Status, ErrJobTerminal)
	}
	job, err := m.registry.New(rep.Name)
	if err != nil {
		return JobID{}, fmt.Errorf("resuming job %s: %w", rep.ID, err)
	}

	rep.Status = StatusQueued
	rep.CompletedAt = nil
	if err := m.start(job, rep, true); err != nil {
		return JobID{}, err
	}

	m.log.Info("job resuming", zap.String("job", rep.Name), zap.Stringer("job_id", rep.ID))
	return rep.ID, nil
}

// ResumeAll resumes every resumable job. Jobs that cannot be rebuilt are
// skipped and reported in the returned error.
func (m *Manager) ResumeAll(ctx context.Context) ([]JobID, error) {
	reports, err := m.Resumable(ctx)
	if err != nil {
		return nil, err
	}

	var (
		ids  []JobID
		errs []error
	)
	for _, rep := range reports {
		id, err := m.ResumeFromReport(ctx, rep)
		if err != nil {
			m.log.Warn("cannot resume job", zap.Stringer("job_id", rep.ID), zap.String("job", rep.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Stats returns the load of the task system's workers.
func (m *Manager) Stats(ctx context.Context) ([]scheduler.WorkerStats, error) {
	return m.sys.Stats(ctx)
}

// Shutdown stops every job, shuts the task system down and waits for the
// runners to persist their state. Interrupted jobs are saved as Paused so
// they can be resumed on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	m.log.Info("job manager shutting down", zap.Int("active_jobs", len(runners)))
	m.cancelRun()
	for _, r := range runners {
		if err := r.control(ctx, ctlStop); err != nil && !errors.Is(err, ErrJobNotActive) {
			m.log.Warn("stopping job", zap.Stringer("job_id", r.jc.id), zap.Error(err))
		}
	}

	sysErr := m.sys.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(sysErr, fmt.Errorf("waiting for jobs: %w", ctx.Err()))
	}
	return sysErr
}
