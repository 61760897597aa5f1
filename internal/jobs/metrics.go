package jobs

// Task outcomes as seen by a job.
const (
	OutcomeDone        = "done"
	OutcomeNonCritical = "non_critical"
	OutcomeCritical    = "critical"
	OutcomeCanceled    = "canceled"
	OutcomeAborted     = "aborted"
	OutcomeReturned    = "returned"
)

// Metrics receives job measurements.
type Metrics interface {
	JobStatusChanged(name string, status Status)
	JobTaskFinished(name string, outcome string)
}

// NilMetrics discards everything.
type NilMetrics struct{}

func (NilMetrics) JobStatusChanged(string, Status) {}
func (NilMetrics) JobTaskFinished(string, string)  {}
