package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// worktable holds the control flags of one task. Flags are the desired state;
// the owning worker reconciles the task against them whenever it receives a
// control message or takes the task off its queue.
type worktable struct {
	owner    atomic.Int64 // WorkerID, noWorker until assigned
	paused   atomic.Bool
	canceled atomic.Bool
	aborted  atomic.Bool
}

// Handle is the caller-facing reference to a dispatched task.
// Dropping a Handle does not cancel the task.
type Handle struct {
	sys   *System
	task  Task
	id    TaskID
	wt    worktable
	state atomic.Int32

	once   sync.Once
	done   chan struct{}
	result Result
}

func newHandle(sys *System, task Task) *Handle {
	h := &Handle{
		sys:  sys,
		task: task,
		id:   task.ID(),
		done: make(chan struct{}),
	}
	h.wt.owner.Store(int64(noWorker))
	h.state.Store(int32(TaskQueued))
	return h
}

// ID returns the task identifier.
func (h *Handle) ID() TaskID { return h.id }

// Task returns the dispatched task.
func (h *Handle) Task() Task { return h.task }

// Done is closed when the task reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle status.
func (h *Handle) State() Status { return Status(h.state.Load()) }

// Owner returns the worker currently owning the task, or -1 while it is
// being assigned.
func (h *Handle) Owner() WorkerID { return WorkerID(h.wt.owner.Load()) }

// Result returns the terminal result without blocking. ok is false while the
// task is still live.
func (h *Handle) Result() (res Result, ok bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the task is terminal or ctx expires.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("task %s: %w: %w", h.id, ErrTaskTimeout, ctx.Err())
	}
}

// Pause asks the task to suspend at its next checkpoint. Pausing a paused
// task is a no-op.
func (h *Handle) Pause() error {
	if err := h.checkLive(); err != nil {
		return err
	}
	if h.wt.canceled.Load() {
		return nil
	}
	if !h.wt.paused.CompareAndSwap(false, true) {
		return nil
	}
	return h.sys.route(h, opPause)
}

// Resume lets a paused task run again. Resuming a running task is a no-op.
func (h *Handle) Resume() error {
	if err := h.checkLive(); err != nil {
		return err
	}
	if !h.wt.paused.CompareAndSwap(true, false) {
		return nil
	}
	return h.sys.route(h, opResume)
}

// Cancel requests termination. Running tasks stop at their next checkpoint;
// queued and paused tasks are dropped immediately.
func (h *Handle) Cancel() error {
	if err := h.checkLive(); err != nil {
		return err
	}
	if !h.wt.canceled.CompareAndSwap(false, true) {
		return nil
	}
	return h.sys.route(h, opCancel)
}

// ForceAbort cancels the task and, if it has not terminated within timeout,
// discards its execution context so it ends as TaskForcedAbortion.
func (h *Handle) ForceAbort(ctx context.Context, timeout time.Duration) error {
	if err := h.Cancel(); err != nil {
		return err
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task %s: %w: %w", h.id, ErrTaskTimeout, ctx.Err())
	case <-grace.C:
	}

	h.wt.aborted.Store(true)
	if err := h.sys.route(h, opForceAbort); err != nil {
		return err
	}

	ack := time.NewTimer(h.sys.cfg.ForceAbortAckTimeout)
	defer ack.Stop()

	select {
	case <-h.done:
		return nil
	case <-ack.C:
		return fmt.Errorf("task %s: %w", h.id, ErrForcedAbortTimeout)
	case <-ctx.Done():
		return fmt.Errorf("task %s: %w: %w", h.id, ErrTaskTimeout, ctx.Err())
	}
}

func (h *Handle) checkLive() error {
	if h.isDone() {
		if h.result.Status == TaskForcedAbortion {
			return fmt.Errorf("task %s: %w", h.id, ErrTaskAborted)
		}
		return fmt.Errorf("task %s: %w", h.id, ErrTaskNotFound)
	}
	if h.wt.aborted.Load() {
		return fmt.Errorf("task %s: %w", h.id, ErrTaskAborted)
	}
	return nil
}

func (h *Handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// setState records a non-terminal transition. Returns false when the state
// did not change or the task already finished.
func (h *Handle) setState(to Status) bool {
	for {
		from := Status(h.state.Load())
		if from == to || from.IsTerminal() {
			return false
		}
		if h.state.CompareAndSwap(int32(from), int32(to)) {
			h.sys.transition(h.id, from, to)
			return true
		}
	}
}

// complete stores the terminal result. Only the first call wins.
func (h *Handle) complete(res Result) bool {
	won := false
	h.once.Do(func() {
		won = true
		res.ID = h.id
		h.result = res
		from := Status(h.state.Swap(int32(res.Status)))
		close(h.done)
		h.sys.forget(h.id)
		h.sys.transition(h.id, from, res.Status)
	})
	return won
}
