package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/scheduler"
)

var (
	errTaskCanceled = errors.New("task canceled")
	errTaskAborted  = errors.New("task forcibly aborted")
)

type ctlKind int

const (
	ctlPause ctlKind = iota
	ctlResume
	ctlCancel
	ctlStop // stop feeding work; the task system is about to shut down
)

type ctlReq struct {
	kind  ctlKind
	reply chan error
}

// runner drives one job: it feeds eligible tasks to the task system, hands
// outputs back to the job and aggregates errors and progress. All fields
// except the channels are confined to the runner goroutine.
type runner struct {
	m        *Manager
	job      Job
	jc       *Context
	graph    *Graph
	log      *zap.Logger
	resuming bool

	handles map[scheduler.TaskID]*scheduler.Handle
	results chan scheduler.Result
	ctrl    chan ctlReq
	done    chan struct{}
	final   Report

	status    Status
	failing   bool
	canceling bool
	stopping  bool
}

func newRunner(m *Manager, job Job, report Report, resuming bool) *runner {
	jc := newContext(report, m)
	return &runner{
		m:        m,
		job:      job,
		jc:       jc,
		graph:    NewGraph(),
		log:      jc.log,
		resuming: resuming,
		handles:  make(map[scheduler.TaskID]*scheduler.Handle),
		results:  make(chan scheduler.Result, 64),
		ctrl:     make(chan ctlReq),
		done:     make(chan struct{}),
		status:   report.Status,
	}
}

// control sends a request to the runner goroutine and waits for its answer.
func (r *runner) control(ctx context.Context, kind ctlKind) error {
	req := ctlReq{kind: kind, reply: make(chan error, 1)}
	select {
	case r.ctrl <- req:
	case <-r.done:
		return fmt.Errorf("job %s: %w", r.jc.id, ErrJobNotActive)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runner) run() {
	defer close(r.done)
	defer r.m.detach(r)

	ctx := context.Background()
	if !r.acquireSlot(ctx) {
		return
	}
	defer r.m.releaseSlot()

	r.start(ctx)
	r.loop(ctx)
	r.finalize(ctx)
}

// acquireSlot waits for a job slot while still answering control requests.
func (r *runner) acquireSlot(ctx context.Context) bool {
	if r.m.slots == nil {
		return true
	}

	acquired := make(chan error, 1)
	go func() { acquired <- r.m.slots.Acquire(r.m.runCtx, 1) }()
	releaseLater := func() {
		go func() {
			if <-acquired == nil {
				r.m.releaseSlot()
			}
		}()
	}

	for {
		select {
		case err := <-acquired:
			if err == nil {
				return true
			}
			// Manager is shutting down; the job stays queued for the next start.
			r.persist(ctx)
			r.final = r.jc.Report()
			return false
		case req := <-r.ctrl:
			switch req.kind {
			case ctlCancel:
				releaseLater()
				r.canceling = true
				r.finalize(ctx)
				req.reply <- nil
				return false
			case ctlStop:
				releaseLater()
				r.persist(ctx)
				r.final = r.jc.Report()
				req.reply <- nil
				return false
			default:
				req.reply <- fmt.Errorf("job %s is queued: %w", r.jc.id, ErrInvalidTransition)
			}
		}
	}
}

func (r *runner) start(ctx context.Context) {
	now := time.Now()
	r.jc.update(func(rep *Report) {
		if rep.StartedAt == nil {
			rep.StartedAt = &now
		}
	})
	r.setStatus(StatusRunning)

	if r.resuming {
		if err := r.job.Restore(r.jc.Report().ResumeState); err != nil {
			r.fail(ctx, fmt.Errorf("restoring job state: %w", err))
			return
		}
		if err := r.m.claimKey(r.job, r.jc.id); err != nil {
			r.fail(ctx, err)
			return
		}
		r.log.Info("job resumed", zap.Uint64("completed", r.jc.Progress().Completed))
	}
	r.persist(ctx)

	tasks, err := r.job.InitialTasks(ctx, r.jc)
	if err != nil {
		r.fail(ctx, fmt.Errorf("producing initial tasks: %w", err))
		return
	}
	if err := r.graph.Add(tasks, nil); err != nil {
		r.fail(ctx, err)
		return
	}
	r.pump()
}

func (r *runner) loop(ctx context.Context) {
	var tick <-chan time.Time
	if interval := r.m.cfg.CheckpointInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for !r.finished() {
		select {
		case res := <-r.results:
			r.onResult(ctx, res)
		case req := <-r.ctrl:
			req.reply <- r.onControl(ctx, req.kind)
		case <-tick:
			r.maybeCheckpoint(ctx)
		}
		r.pump()
	}
}

// finished reports whether the runner can stop: nothing is in flight and
// nothing more will be dispatched.
func (r *runner) finished() bool {
	if len(r.handles) > 0 {
		return false
	}
	if r.failing || r.canceling || r.stopping {
		return true
	}
	if r.status == StatusPaused {
		return false
	}
	return len(r.graph.Eligible(1)) == 0
}

// pump dispatches eligible tasks while the job is running, keeping at most
// MaxInFlight tasks in the task system.
func (r *runner) pump() {
	if r.status != StatusRunning || r.failing || r.canceling || r.stopping {
		return
	}

	limit := 0
	if maxInFlight := r.m.cfg.MaxInFlight; maxInFlight > 0 {
		limit = maxInFlight - len(r.handles)
		if limit <= 0 {
			return
		}
	}

	tasks := r.graph.Eligible(limit)
	if len(tasks) == 0 {
		return
	}

	handles, err := r.m.sys.DispatchMany(tasks)
	if err != nil {
		if errors.Is(err, scheduler.ErrSystemShutdown) {
			r.stopping = true
			return
		}
		r.fail(context.Background(), fmt.Errorf("dispatching tasks: %w", err))
		return
	}

	for _, h := range handles {
		_ = r.graph.MarkRunning(h.ID())
		r.handles[h.ID()] = h
		go r.await(h)
	}
}

func (r *runner) await(h *scheduler.Handle) {
	<-h.Done()
	res, _ := h.Result()
	select {
	case r.results <- res:
	case <-r.done:
	}
}

func (r *runner) onResult(ctx context.Context, res scheduler.Result) {
	delete(r.handles, res.ID)
	r.publishTask(res)

	switch res.Status {
	case scheduler.TaskDone:
		_ = r.graph.MarkCompleted(res.ID)
		if r.failing || r.canceling {
			r.m.metrics.JobTaskFinished(r.jc.name, OutcomeDone)
			return
		}
		more, err := r.job.HandleOutput(ctx, r.jc, TaskOutput{TaskID: res.ID, Output: res.Output})
		if err == nil {
			// Otherwise jobError records the task's outcome.
			r.m.metrics.JobTaskFinished(r.jc.name, OutcomeDone)
		}
		followUps := append(res.FollowUps, more...)
		if len(followUps) > 0 {
			parent := res.ID
			if addErr := r.graph.Add(followUps, &parent); addErr != nil {
				r.fail(ctx, fmt.Errorf("adding follow-up tasks: %w", addErr))
				return
			}
		}
		if err != nil {
			r.jobError(ctx, res.ID.String(), err)
		}
		r.maybeCheckpoint(ctx)

	case scheduler.TaskError:
		mode := classify(r.job, res.Err)
		_ = r.graph.MarkFailed(res.ID, mode, res.Err)
		if mode == FailHard {
			r.graph.DropDependents(res.ID)
		}
		r.jobError(ctx, res.ID.String(), res.Err)

	case scheduler.TaskCanceled:
		_ = r.graph.MarkCanceled(res.ID)
		r.m.metrics.JobTaskFinished(r.jc.name, OutcomeCanceled)
		if !r.failing && !r.canceling {
			r.graph.DropDependents(res.ID)
			r.jc.addNonCritical(res.ID.String(), errTaskCanceled)
		}

	case scheduler.TaskForcedAbortion:
		if r.stopping {
			_ = r.graph.Reset(res.ID)
			return
		}
		_ = r.graph.MarkCanceled(res.ID)
		r.m.metrics.JobTaskFinished(r.jc.name, OutcomeAborted)
		r.graph.DropDependents(res.ID)
		// Recorded even during a cancel so operators can tell a killed task
		// from one that stopped cleanly.
		aborted := errTaskAborted
		if res.Err != nil {
			aborted = fmt.Errorf("%w: %w", errTaskAborted, res.Err)
		}
		r.jc.addNonCritical(res.ID.String(), aborted)

	case scheduler.TaskShutdown:
		_ = r.graph.Reset(res.ID)
		r.m.metrics.JobTaskFinished(r.jc.name, OutcomeReturned)
		r.stopping = true
	}
}

// jobError classifies an error raised by a task or by the job itself.
func (r *runner) jobError(ctx context.Context, taskID string, err error) {
	if classify(r.job, err) == FailSoft || r.failing || r.canceling {
		r.m.metrics.JobTaskFinished(r.jc.name, OutcomeNonCritical)
		r.jc.addNonCritical(taskID, err)
		r.log.Warn("non-critical task error", zap.String("task", taskID), zap.Error(err))
		return
	}
	r.m.metrics.JobTaskFinished(r.jc.name, OutcomeCritical)
	r.fail(ctx, fmt.Errorf("task %s: %w", taskID, err))
}

// fail aborts the job after a critical error: pending work is dropped and
// every outstanding task is canceled, with forced abortion as the backstop.
func (r *runner) fail(ctx context.Context, err error) {
	if r.failing {
		return
	}
	r.failing = true
	r.jc.update(func(rep *Report) { rep.CriticalError = err.Error() })
	r.log.Error("job failed", zap.Error(err))
	r.graph.DropPending()
	r.abortOutstanding(ctx)
}

func (r *runner) abortOutstanding(ctx context.Context) {
	grace := r.m.cfg.CancelGracePeriod
	for _, h := range r.handles {
		go func(h *scheduler.Handle) {
			err := h.ForceAbort(ctx, grace)
			if err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
				r.log.Warn("aborting task", zap.Stringer("task", h.ID()), zap.Error(err))
			}
		}(h)
	}
}

func (r *runner) onControl(ctx context.Context, kind ctlKind) error {
	switch kind {
	case ctlPause:
		if r.failing || r.canceling {
			return fmt.Errorf("job %s is stopping: %w", r.jc.id, ErrInvalidTransition)
		}
		if r.status == StatusPaused {
			return nil
		}
		r.setStatus(StatusPaused)
		for _, h := range r.handles {
			if err := h.Pause(); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
				r.log.Warn("pausing task", zap.Stringer("task", h.ID()), zap.Error(err))
			}
		}
		r.checkpoint(ctx)
		return nil

	case ctlResume:
		if r.status == StatusRunning {
			return nil
		}
		if r.status != StatusPaused || r.failing || r.canceling {
			return fmt.Errorf("job %s is %s: %w", r.jc.id, r.status, ErrInvalidTransition)
		}
		r.setStatus(StatusRunning)
		for _, h := range r.handles {
			if err := h.Resume(); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
				r.log.Warn("resuming task", zap.Stringer("task", h.ID()), zap.Error(err))
			}
		}
		r.checkpoint(ctx)
		return nil

	case ctlCancel:
		if r.canceling {
			return nil
		}
		r.canceling = true
		r.log.Info("job cancel requested", zap.Int("in_flight", len(r.handles)))
		r.graph.DropPending()
		r.abortOutstanding(ctx)
		return nil

	case ctlStop:
		r.stopping = true
		return nil
	}
	return nil
}

// finalize settles the job's last status and writes the final report.
func (r *runner) finalize(ctx context.Context) {
	now := time.Now()

	switch {
	case r.failing:
		r.setStatus(StatusFailed)
	case r.canceling:
		r.setStatus(StatusCanceled)
	case r.stopping:
		// Interrupted by shutdown: keep it resumable.
		if r.status == StatusRunning {
			r.setStatus(StatusPaused)
		}
		r.checkpoint(ctx)
		r.final = r.jc.Report()
		r.log.Info("job suspended for shutdown", zap.Uint64("completed", r.jc.Progress().Completed))
		return
	default:
		r.graph.DropPending()
		if f, ok := r.job.(Finalizer); ok {
			if err := f.Finish(ctx, r.jc); err != nil {
				r.jobError(ctx, "", err)
			}
		}
		if r.failing {
			r.setStatus(StatusFailed)
			break
		}
		r.jc.SetPhase(PhaseCompleted)
		if len(r.jc.Report().NonCriticalErrors) > 0 {
			r.setStatus(StatusCompletedWithErrors)
		} else {
			r.setStatus(StatusCompleted)
		}
	}

	next := r.jc.Report().Next
	r.jc.update(func(rep *Report) {
		rep.CompletedAt = &now
		rep.ResumeState = nil
		rep.Next = nil
	})
	if len(next) > 0 {
		r.m.releaseKey(r.jc.id)
		if r.status == StatusCompleted || r.status == StatusCompletedWithErrors {
			if _, err := r.m.launchNext(ctx, next); err != nil {
				r.log.Warn("next job not started", zap.Error(err))
			}
		} else {
			r.m.cancelNext(ctx, next)
		}
	}
	r.persist(ctx)
	r.final = r.jc.Report()

	fields := []zap.Field{
		zap.Stringer("status", r.status),
		zap.Uint64("completed", r.final.Progress.Completed),
		zap.Int("non_critical_errors", len(r.final.NonCriticalErrors)),
	}
	if r.status == StatusFailed {
		r.log.Error("job finished", append(fields, zap.String("error", r.final.CriticalError))...)
	} else {
		r.log.Info("job finished", fields...)
	}
}

func (r *runner) setStatus(s Status) {
	if r.status == s && s != StatusRunning {
		return
	}
	r.status = s
	r.jc.update(func(rep *Report) { rep.Status = s })

	rep := r.jc.Report()
	r.m.bus.Publish(events.TopicJob, events.JobStatusEvent{
		JobID:     r.jc.id.String(),
		Name:      r.jc.name,
		Status:    s.String(),
		Error:     rep.CriticalError,
		Timestamp: time.Now(),
	})
	r.m.metrics.JobStatusChanged(r.jc.name, s)
}

// checkpoint stores the job's current resume state along with the report.
func (r *runner) checkpoint(ctx context.Context) {
	state, err := r.job.ResumeState()
	if err != nil {
		r.log.Error("collecting resume state", zap.Error(err))
		r.persist(ctx)
		return
	}
	if err := r.jc.Checkpoint(ctx, state); err != nil {
		r.log.Error("checkpoint failed", zap.Error(err))
	}
}

// maybeCheckpoint checkpoints when the configured interval has elapsed. With
// no interval the job checkpoints only on pause, shutdown and completion.
func (r *runner) maybeCheckpoint(ctx context.Context) {
	if r.jc.saveDue(r.m.cfg.CheckpointInterval) {
		r.checkpoint(ctx)
	}
}

func (r *runner) persist(ctx context.Context) {
	if err := r.jc.save(ctx); err != nil {
		r.log.Error("persisting report", zap.Error(err))
	}
}

func (r *runner) publishTask(res scheduler.Result) {
	ev := events.TaskFinishedEvent{
		TaskID:    res.ID.String(),
		JobID:     r.jc.id.String(),
		Status:    res.Status.String(),
		Timestamp: time.Now(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	r.m.bus.Publish(events.TopicTask, ev)
}
