package scheduler

import "context"

// controlOp names the control request that triggered a reconcile.
type controlOp int

const (
	opPause controlOp = iota
	opResume
	opCancel
	opForceAbort
)

func (op controlOp) String() string {
	switch op {
	case opPause:
		return "pause"
	case opResume:
		return "resume"
	case opCancel:
		return "cancel"
	case opForceAbort:
		return "force_abort"
	}
	return "unknown"
}

// Messages received by a worker.
type (
	workerMsg any

	// newTaskMsg hands freshly dispatched tasks to their assigned worker.
	newTaskMsg struct {
		handles []*Handle
	}

	// controlMsg asks the owner to reconcile a task with its worktable flags.
	controlMsg struct {
		handle *Handle
		op     controlOp
	}

	// stealRequestMsg asks a victim for up to max queued tasks. rest lists
	// the next candidates the system tries if this victim refuses.
	stealRequestMsg struct {
		thief WorkerID
		max   int
		rest  []WorkerID
	}

	// stolenTasksMsg carries tasks whose ownership already moved to the receiver.
	stolenTasksMsg struct {
		from    WorkerID
		handles []*Handle
	}

	// runDoneMsg reports the end of a run-step. Stale epochs belong to
	// aborted runs and are ignored.
	runDoneMsg struct {
		epoch  uint64
		status ExecStatus
		err    error
	}

	// shutdownMsg asks the worker to drain and stop. ack is closed once it has.
	shutdownMsg struct {
		ctx context.Context
		ack chan struct{}
	}
)

// Messages received by the system loop.
type (
	sysMsg any

	dispatchMsg struct {
		handles []*Handle
	}

	// workingReport carries a worker's current load.
	workingReport struct {
		worker WorkerID
		queued int
		weight uint64
	}

	// idleReport tells the system a worker has nothing to do.
	idleReport struct {
		worker WorkerID
	}

	stealRefused struct {
		thief WorkerID
		rest  []WorkerID
	}

	statsQuery struct {
		reply chan []WorkerStats
	}

	beginShutdownMsg struct{}

	stopMsg struct{}
)
