package scheduler

import "errors"

// Control-plane errors. They are always returned to the caller of the failing
// operation.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskAborted        = errors.New("task was forcibly aborted")
	ErrTaskJoin           = errors.New("task run-step panicked")
	ErrTaskTimeout        = errors.New("timed out waiting for task")
	ErrForcedAbortTimeout = errors.New("worker did not acknowledge forced abortion in time")
	ErrSystemShutdown     = errors.New("task system is shut down")
)
