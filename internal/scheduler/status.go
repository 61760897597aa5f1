package scheduler

// Status represents the lifecycle state of a dispatched task.
type Status int32

const (
	TaskQueued         Status = iota // Waiting in a worker queue
	TaskRunning                      // A run-step is executing
	TaskPaused                       // Suspended, waiting for resume
	TaskDone                         // Finished successfully
	TaskCanceled                     // Stopped cooperatively
	TaskForcedAbortion               // Execution context discarded
	TaskShutdown                     // Returned unfinished because the system stopped
	TaskError                        // Run-step returned an error
)

var statusNames = [...]string{
	TaskQueued:         "queued",
	TaskRunning:        "running",
	TaskPaused:         "paused",
	TaskDone:           "done",
	TaskCanceled:       "canceled",
	TaskForcedAbortion: "forced_abortion",
	TaskShutdown:       "shutdown",
	TaskError:          "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// IsTerminal reports whether no further transitions can happen.
func (s Status) IsTerminal() bool {
	return s >= TaskDone
}

// Result is the terminal outcome of a task.
type Result struct {
	ID        TaskID
	Status    Status
	Output    any    // Set when Status is TaskDone
	FollowUps []Task // Tasks produced by a TaskDone run-step
	Err       error  // Set for TaskError and TaskForcedAbortion
	Task      Task   // Unfinished task, set for TaskShutdown
}
