package scheduler

import "time"

// Metrics receives task system measurements. Implementations must be safe
// for concurrent use and must not block.
type Metrics interface {
	TaskStarted(worker WorkerID)
	TaskFinished(worker WorkerID, status Status, runTime time.Duration)
	QueueDepth(worker WorkerID, depth int)
	TasksStolen(from, to WorkerID, n int)
}

// NilMetrics discards everything.
type NilMetrics struct{}

func (NilMetrics) TaskStarted(WorkerID)                         {}
func (NilMetrics) TaskFinished(WorkerID, Status, time.Duration) {}
func (NilMetrics) QueueDepth(WorkerID, int)                     {}
func (NilMetrics) TasksStolen(WorkerID, WorkerID, int)          {}
