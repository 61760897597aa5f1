package jobs

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// JobID identifies a job. It is persisted and shown to users.
type JobID = uuid.UUID

// NewJobID returns a random job identifier.
func NewJobID() JobID { return uuid.New() }

// ParseJobID parses the canonical string form of a JobID.
func ParseJobID(s string) (JobID, error) { return uuid.Parse(s) }

// PhaseCompleted is set on every job that finishes successfully.
const PhaseCompleted = "completed"

// Progress is the latest progress snapshot of a job.
type Progress struct {
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`
	Message   string `json:"message,omitempty"`
}

// NextJob is a job queued to run after its parent completes. State is the
// job's encoded resume state; the job is rebuilt through the registry.
type NextJob struct {
	Name     string `json:"name"`
	Action   string `json:"action,omitempty"`
	ParentID JobID  `json:"parent_id"`
	State    []byte `json:"state,omitempty"`
}

// ErrorRecord is one non-critical error collected while a job ran.
type ErrorRecord struct {
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Report is the durable record of a job.
type Report struct {
	ID                JobID             `json:"id"`
	Name              string            `json:"name"`
	Status            Status            `json:"status"`
	Phase             string            `json:"phase,omitempty"`
	Progress          Progress          `json:"progress"`
	Info              string            `json:"info,omitempty"`
	ResumeState       []byte            `json:"-"`
	NonCriticalErrors []ErrorRecord     `json:"non_critical_errors,omitempty"`
	CriticalError     string            `json:"critical_error,omitempty"`
	Action            string            `json:"action,omitempty"`
	ParentID          *JobID            `json:"parent_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Next              []NextJob         `json:"next_jobs,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`

	// EstimatedCompletion is projected from the progress rate since start.
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Clone returns a deep copy that shares nothing with r.
func (r Report) Clone() Report {
	cp := r
	cp.ResumeState = slices.Clone(r.ResumeState)
	cp.NonCriticalErrors = slices.Clone(r.NonCriticalErrors)
	cp.Metadata = maps.Clone(r.Metadata)
	if r.Next != nil {
		cp.Next = make([]NextJob, len(r.Next))
		for i, n := range r.Next {
			n.State = slices.Clone(n.State)
			cp.Next[i] = n
		}
	}
	if r.ParentID != nil {
		id := *r.ParentID
		cp.ParentID = &id
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.EstimatedCompletion != nil {
		t := *r.EstimatedCompletion
		cp.EstimatedCompletion = &t
	}
	return cp
}

// ReportFilter selects reports. Zero values match everything.
type ReportFilter struct {
	Statuses []Status
	Name     string
	Limit    int
}

// Matches reports whether r passes the filter (Limit is ignored).
func (f ReportFilter) Matches(r Report) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.Name != "" && f.Name != r.Name {
		return false
	}
	return true
}

// ReportStore persists job reports. Implementations serialize read and
// write-replace operations per JobID.
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) error
	// LoadReport returns ErrReportNotFound for unknown jobs.
	LoadReport(ctx context.Context, id JobID) (Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]Report, error)
	ListNonTerminalReports(ctx context.Context) ([]Report, error)
	DeleteReport(ctx context.Context, id JobID) error
}
