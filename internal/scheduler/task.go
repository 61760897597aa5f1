package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task for its whole lifetime.
// It is the key for every control message addressed to a task.
type TaskID uuid.UUID

// NewTaskID returns a random (v4) task identifier.
func NewTaskID() TaskID {
	return TaskID(uuid.New())
}

// ParseTaskID parses the canonical string form of a TaskID.
func ParseTaskID(s string) (TaskID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TaskID{}, err
	}
	return TaskID(id), nil
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// WorkerID identifies one worker in the pool. Stable for the worker's lifetime.
type WorkerID int

// noWorker marks a task that has not been assigned to a worker yet.
const noWorker WorkerID = -1

// Task is the unit of work executed by a worker.
//
// Run executes one run-step: until completion, a voluntary suspension point,
// or an observed interruption. Tasks poll the Interrupter at safe checkpoints.
// ctx is canceled when the task is forcibly aborted.
type Task interface {
	ID() TaskID
	Weight() uint32
	Run(ctx context.Context, intr *Interrupter) (ExecStatus, error)
}

// BaseTask carries the identity and weight of a task. Embed it to satisfy
// the ID and Weight parts of the Task interface.
type BaseTask struct {
	id     TaskID
	weight uint32
}

// NewBaseTask creates a BaseTask with a fresh ID. A zero weight defaults to 1.
func NewBaseTask(weight uint32) BaseTask {
	return BaseTaskWithID(NewTaskID(), weight)
}

// BaseTaskWithID creates a BaseTask with a known ID, e.g. when rebuilding
// tasks from persisted state.
func BaseTaskWithID(id TaskID, weight uint32) BaseTask {
	if weight == 0 {
		weight = 1
	}
	return BaseTask{id: id, weight: weight}
}

// ID returns the task identifier.
func (b BaseTask) ID() TaskID { return b.id }

// Weight returns the relative cost of the task.
func (b BaseTask) Weight() uint32 {
	if b.weight == 0 {
		return 1
	}
	return b.weight
}

// RunFunc is the run-step signature used by FuncTask.
type RunFunc func(ctx context.Context, intr *Interrupter) (ExecStatus, error)

// FuncTask adapts a plain function into a Task.
type FuncTask struct {
	BaseTask
	fn RunFunc
}

// NewFuncTask wraps fn into a task with weight 1.
func NewFuncTask(fn RunFunc) *FuncTask {
	return &FuncTask{BaseTask: NewBaseTask(1), fn: fn}
}

// NewWeightedFuncTask wraps fn into a task with the given weight.
func NewWeightedFuncTask(weight uint32, fn RunFunc) *FuncTask {
	return &FuncTask{BaseTask: NewBaseTask(weight), fn: fn}
}

// Run calls the wrapped function.
func (t *FuncTask) Run(ctx context.Context, intr *Interrupter) (ExecStatus, error) {
	return t.fn(ctx, intr)
}

// ExecKind is the outcome of a single run-step.
type ExecKind uint8

const (
	ExecDone      ExecKind = iota // Finished, Output and FollowUps are set
	ExecContinued                 // Voluntary yield, re-queue at the back
	ExecPaused                    // Suspended after observing a pause request
	ExecCanceled                  // Stopped after observing a cancel request
)

// ExecStatus is what a run-step returns to its worker.
type ExecStatus struct {
	Kind      ExecKind
	Output    any
	FollowUps []Task
}

// Done finishes the task with an output and optional follow-up tasks.
func Done(output any, followUps ...Task) ExecStatus {
	return ExecStatus{Kind: ExecDone, Output: output, FollowUps: followUps}
}

// Continued yields the worker. The task is run again later.
func Continued() ExecStatus {
	return ExecStatus{Kind: ExecContinued}
}

// Paused reports that the task suspended itself after a pause request.
func Paused() ExecStatus {
	return ExecStatus{Kind: ExecPaused}
}

// Canceled reports that the task stopped after a cancel request.
func Canceled() ExecStatus {
	return ExecStatus{Kind: ExecCanceled}
}
