package events

import (
	"strconv"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// SubjectID is the job or task the event is about. Sinks use it as the
	// partition key so events of one subject stay ordered.
	SubjectID() string
}

// Topic constants
const (
	TopicJob    = "job"
	TopicTask   = "task"
	TopicWorker = "worker"
)

// Event type constants
const (
	EventTypeJobProgress  = "job.progress"
	EventTypeJobStatus    = "job.status"
	EventTypeTaskFinished = "task.finished"
	EventTypeWorkerLoad   = "worker.load"
)

// JobProgressEvent is published for every progress report of a job.
// Consumers treat it as a latest-wins snapshot, not a delta.
type JobProgressEvent struct {
	JobID     string    `json:"job_id"`
	Phase     string    `json:"phase"`
	Completed uint64    `json:"completed"`
	Total     uint64    `json:"total"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

func (e JobProgressEvent) EventType() string { return EventTypeJobProgress }
func (e JobProgressEvent) SubjectID() string { return e.JobID }

// JobStatusEvent is published when a job changes status.
type JobStatusEvent struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e JobStatusEvent) EventType() string { return EventTypeJobStatus }
func (e JobStatusEvent) SubjectID() string { return e.JobID }

// TaskFinishedEvent is published when a task of a job reaches a terminal status.
type TaskFinishedEvent struct {
	TaskID    string    `json:"task_id"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) SubjectID() string { return e.JobID }

// WorkerLoadEvent is a periodic snapshot of one worker's queue.
type WorkerLoadEvent struct {
	WorkerID  int       `json:"worker_id"`
	Queued    int       `json:"queued"`
	Weight    uint64    `json:"weight"`
	Idle      bool      `json:"idle"`
	Timestamp time.Time `json:"timestamp"`
}

func (e WorkerLoadEvent) EventType() string { return EventTypeWorkerLoad }
func (e WorkerLoadEvent) SubjectID() string { return strconv.Itoa(e.WorkerID) }
