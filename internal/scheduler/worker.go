package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// runningTask is the run-step currently executing on a worker.
type runningTask struct {
	h       *Handle
	epoch   uint64
	intr    *Interrupter
	cancel  context.CancelFunc
	started time.Time
}

// worker owns one task queue and executes its tasks one at a time.
// Every field is confined to the worker goroutine.
type worker struct {
	id    WorkerID
	sys   *System
	log   *zap.Logger
	inbox *mailbox[workerMsg]
	ctx   context.Context

	queue       deque.Deque[*Handle]
	queueWeight uint64
	paused      map[TaskID]*Handle
	cur         *runningTask
	epoch       uint64

	reportedQueued int
	reportedWeight uint64

	idle      bool
	idleTimer *time.Timer
	idleWait  *backoff.ExponentialBackOff

	draining *shutdownMsg
}

func newWorker(ctx context.Context, id WorkerID, sys *System) *worker {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sys.cfg.IdleDebounce
	b.MaxInterval = sys.cfg.StealRetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	return &worker{
		id:       id,
		sys:      sys,
		log:      sys.log.With(zap.Int("worker", int(id))),
		inbox:    newMailbox[workerMsg](),
		ctx:      ctx,
		paused:   make(map[TaskID]*Handle),
		idleWait: b,
	}
}

func (w *worker) loop() {
	defer w.sys.wg.Done()

	w.trackIdle()
	for {
		var idleC <-chan time.Time
		if w.idleTimer != nil {
			idleC = w.idleTimer.C
		}
		var drainC <-chan struct{}
		if w.draining != nil && w.cur != nil {
			drainC = w.draining.ctx.Done()
		}

		select {
		case <-w.inbox.Signal():
			for _, m := range w.inbox.Drain() {
				w.handle(m)
			}
		case <-idleC:
			w.idleTimer = nil
			w.onIdle()
		case <-drainC:
			w.abortRunning("shutdown deadline exceeded")
		}

		if w.draining != nil {
			if w.cur == nil {
				w.stop()
				return
			}
			continue
		}

		w.startNext()
		w.reportLoad()
		w.trackIdle()
	}
}

func (w *worker) handle(m workerMsg) {
	switch m := m.(type) {
	case newTaskMsg:
		for _, h := range m.handles {
			w.accept(h)
		}
	case stolenTasksMsg:
		for _, h := range m.handles {
			w.accept(h)
		}
		w.log.Debug("received stolen tasks", zap.Int("from", int(m.from)), zap.Int("count", len(m.handles)))
	case controlMsg:
		w.control(m)
	case stealRequestMsg:
		w.steal(m)
	case runDoneMsg:
		w.finishRun(m)
	case shutdownMsg:
		w.beginShutdown(m)
	default:
		w.log.Error("unexpected worker message", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

// accept takes ownership of a task, honoring any control flags that were
// set while it was in transit.
func (w *worker) accept(h *Handle) {
	if h.isDone() {
		return
	}
	if w.draining != nil {
		w.finish(h, Result{Status: TaskShutdown, Task: h.task})
		return
	}
	if w.settle(h) {
		return
	}
	if h.wt.paused.Load() {
		w.park(h)
		return
	}
	w.pushBack(h)
}

// settle completes a task that was aborted or canceled before it could run.
func (w *worker) settle(h *Handle) bool {
	switch {
	case h.wt.aborted.Load():
		w.finish(h, Result{Status: TaskForcedAbortion, Err: ErrTaskAborted})
		return true
	case h.wt.canceled.Load():
		w.finish(h, Result{Status: TaskCanceled})
		return true
	}
	return false
}

// control reconciles a task with its worktable flags.
func (w *worker) control(m controlMsg) {
	h := m.handle
	if h.isDone() {
		return
	}

	if w.cur != nil && w.cur.h == h {
		switch {
		case h.wt.aborted.Load():
			w.abortRunning("force abort requested")
		case h.wt.canceled.Load():
			w.cur.intr.cancel()
		case h.wt.paused.Load():
			w.cur.intr.pause()
		}
		return
	}

	if i := w.queue.Index(func(q *Handle) bool { return q == h }); i >= 0 {
		if h.wt.aborted.Load() || h.wt.canceled.Load() || h.wt.paused.Load() {
			w.removeAt(i)
			if !w.settle(h) {
				w.park(h)
			}
		}
		return
	}

	if _, ok := w.paused[h.id]; ok {
		if w.settle(h) {
			delete(w.paused, h.id)
			return
		}
		if !h.wt.paused.Load() {
			delete(w.paused, h.id)
			w.pushBack(h)
			h.setState(TaskQueued)
		}
		return
	}

	// Not here: either stolen away or still in transit to this worker, in
	// which case accept applies the flags on arrival.
	if owner := h.Owner(); owner != w.id && owner != noWorker && w.draining == nil {
		w.sys.workers[owner].inbox.Push(m)
	}
}

// steal hands up to m.max tasks from the queue tail to the thief.
func (w *worker) steal(m stealRequestMsg) {
	if w.draining != nil || w.queue.Len() <= 1 {
		w.sys.inbox.Push(stealRefused{thief: m.thief, rest: m.rest})
		return
	}

	n := min(m.max, w.queue.Len()/2)
	n = max(n, 1)

	batch := make([]*Handle, 0, n)
	for len(batch) < n {
		h := w.popBack()
		h.wt.owner.Store(int64(m.thief))
		batch = append(batch, h)
	}
	slices.Reverse(batch)

	if !w.sys.workers[m.thief].inbox.Push(stolenTasksMsg{from: w.id, handles: batch}) {
		for _, h := range batch {
			h.wt.owner.Store(int64(w.id))
			w.pushBack(h)
		}
		return
	}

	w.sys.metrics.TasksStolen(w.id, m.thief, n)
	w.log.Debug("tasks stolen", zap.Int("thief", int(m.thief)), zap.Int("count", n))
}

func (w *worker) startNext() {
	for w.cur == nil && w.queue.Len() > 0 {
		h := w.popFront()
		if h.isDone() || w.settle(h) {
			continue
		}
		if h.wt.paused.Load() {
			w.park(h)
			continue
		}
		w.run(h)
	}
}

func (w *worker) run(h *Handle) {
	w.epoch++
	ctx, cancel := context.WithCancel(w.ctx)
	cur := &runningTask{
		h:       h,
		epoch:   w.epoch,
		intr:    newInterrupter(),
		cancel:  cancel,
		started: time.Now(),
	}
	w.cur = cur
	h.setState(TaskRunning)
	w.sys.metrics.TaskStarted(w.id)

	go func() {
		status, err := runStep(ctx, h.task, cur.intr)
		w.inbox.Push(runDoneMsg{epoch: cur.epoch, status: status, err: err})
	}()
}

// runStep executes one run-step, converting a panic into ErrTaskJoin.
func runStep(ctx context.Context, task Task, intr *Interrupter) (status ExecStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskJoin, r)
		}
	}()
	return task.Run(ctx, intr)
}

func (w *worker) finishRun(m runDoneMsg) {
	cur := w.cur
	if cur == nil || cur.epoch != m.epoch {
		return
	}
	w.cur = nil
	cur.cancel()
	h := cur.h
	runTime := time.Since(cur.started)

	if m.err != nil {
		w.log.Debug("task failed", zap.Stringer("task", h.id), zap.Error(m.err))
		w.finishTimed(h, Result{Status: TaskError, Err: m.err}, runTime)
		return
	}

	switch m.status.Kind {
	case ExecDone:
		w.finishTimed(h, Result{Status: TaskDone, Output: m.status.Output, FollowUps: m.status.FollowUps}, runTime)
		return
	case ExecCanceled:
		w.finishTimed(h, Result{Status: TaskCanceled}, runTime)
		return
	}

	// Paused or Continued: the task is still live.
	switch {
	case w.draining != nil:
		w.finishTimed(h, Result{Status: TaskShutdown, Task: h.task}, runTime)
	case w.settle(h):
	case h.wt.paused.Load():
		w.park(h)
	case m.status.Kind == ExecPaused && !cur.intr.pauseRequested():
		// Self-suspended without a request; it waits for an explicit resume.
		h.wt.paused.Store(true)
		w.park(h)
	default:
		w.pushBack(h)
		h.setState(TaskQueued)
	}
}

// abortRunning discards the running task's execution context. Its goroutine
// may linger until the task notices ctx; its result is then ignored.
func (w *worker) abortRunning(reason string) {
	cur := w.cur
	if cur == nil {
		return
	}
	w.cur = nil
	cur.cancel()
	w.log.Warn("task forcibly aborted", zap.Stringer("task", cur.h.id), zap.String("reason", reason))
	w.finishTimed(cur.h, Result{Status: TaskForcedAbortion, Err: ErrTaskAborted}, time.Since(cur.started))
}

func (w *worker) beginShutdown(m shutdownMsg) {
	w.draining = &m
	w.stopIdleTimer()

	for w.queue.Len() > 0 {
		h := w.popFront()
		w.finish(h, Result{Status: TaskShutdown, Task: h.task})
	}
	for id, h := range w.paused {
		delete(w.paused, id)
		w.finish(h, Result{Status: TaskShutdown, Task: h.task})
	}
	if w.cur != nil {
		w.cur.intr.pause()
	}
}

// stop closes the inbox, settles anything that raced in, and acknowledges
// the shutdown.
func (w *worker) stop() {
	for _, m := range w.inbox.Close() {
		var handles []*Handle
		switch m := m.(type) {
		case newTaskMsg:
			handles = m.handles
		case stolenTasksMsg:
			handles = m.handles
		}
		for _, h := range handles {
			w.finish(h, Result{Status: TaskShutdown, Task: h.task})
		}
	}
	w.sys.metrics.QueueDepth(w.id, 0)
	w.log.Debug("worker stopped")
	close(w.draining.ack)
}

func (w *worker) finish(h *Handle, res Result) {
	w.finishTimed(h, res, 0)
}

func (w *worker) finishTimed(h *Handle, res Result, runTime time.Duration) {
	if h.complete(res) {
		w.sys.metrics.TaskFinished(w.id, res.Status, runTime)
	}
}

func (w *worker) park(h *Handle) {
	w.paused[h.id] = h
	h.setState(TaskPaused)
}

func (w *worker) pushBack(h *Handle) {
	w.queue.PushBack(h)
	w.queueWeight += uint64(h.task.Weight())
}

func (w *worker) popFront() *Handle {
	h := w.queue.PopFront()
	w.queueWeight -= uint64(h.task.Weight())
	return h
}

func (w *worker) popBack() *Handle {
	h := w.queue.PopBack()
	w.queueWeight -= uint64(h.task.Weight())
	return h
}

func (w *worker) removeAt(i int) *Handle {
	h := w.queue.Remove(i)
	w.queueWeight -= uint64(h.task.Weight())
	return h
}

// reportLoad sends a WorkingReport whenever the worker's load changed.
func (w *worker) reportLoad() {
	queued := w.queue.Len()
	weight := w.queueWeight
	if w.cur != nil {
		weight += uint64(w.cur.h.task.Weight())
	}
	if queued == w.reportedQueued && weight == w.reportedWeight {
		return
	}
	w.reportedQueued, w.reportedWeight = queued, weight
	w.sys.inbox.Push(workingReport{worker: w.id, queued: queued, weight: weight})
	w.sys.metrics.QueueDepth(w.id, queued)
}

// trackIdle arms the idle timer when the worker runs dry and disarms it
// as soon as work shows up.
func (w *worker) trackIdle() {
	busy := w.cur != nil || w.queue.Len() > 0
	if busy {
		if w.idle {
			w.idle = false
			w.stopIdleTimer()
		}
		return
	}
	if !w.idle {
		w.idle = true
		w.idleWait.Reset()
		w.idleTimer = time.NewTimer(w.sys.cfg.IdleDebounce)
	}
}

// onIdle sends an IdleReport so the system can find work to steal, then
// backs off before asking again.
func (w *worker) onIdle() {
	if !w.idle || w.draining != nil {
		return
	}
	w.sys.inbox.Push(idleReport{worker: w.id})
	w.idleTimer = time.NewTimer(w.idleWait.NextBackOff())
}

func (w *worker) stopIdleTimer() {
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
}
