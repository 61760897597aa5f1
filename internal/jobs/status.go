package jobs

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a job. It is distinct from the status of
// the tasks a job is made of.
type Status int

const (
	StatusQueued              Status = iota // Submitted, waiting for a slot
	StatusRunning                           // Dispatching and aggregating tasks
	StatusPaused                            // No new tasks are fed to the system
	StatusCompleted                         // All tasks finished cleanly
	StatusCompletedWithErrors               // Finished, with non-critical errors
	StatusFailed                            // A critical error aborted the job
	StatusCanceled                          // Canceled on request
)

var statusNames = map[Status]string{
	StatusQueued:              "queued",
	StatusRunning:             "running",
	StatusPaused:              "paused",
	StatusCompleted:           "completed",
	StatusCompletedWithErrors: "completed_with_errors",
	StatusFailed:              "failed",
	StatusCanceled:            "canceled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether the job can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// NonTerminalStatuses lists every status a resumable job can be in.
func NonTerminalStatuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusPaused}
}

// FailureMode determines how a task error affects its job.
type FailureMode int

const (
	FailHard FailureMode = iota // Critical: abort the job, cancel siblings
	FailSoft                    // Non-critical: record and continue
)

// ErrorClassifier lets a job decide which task errors are critical.
type ErrorClassifier interface {
	Classify(err error) FailureMode
}

type nonCriticalError struct {
	err error
}

func (e *nonCriticalError) Error() string { return e.err.Error() }
func (e *nonCriticalError) Unwrap() error { return e.err }

// NonCritical marks err as non-critical: the job records it and keeps going.
func NonCritical(err error) error {
	if err == nil {
		return nil
	}
	return &nonCriticalError{err: err}
}

// IsNonCritical reports whether err was marked with NonCritical.
func IsNonCritical(err error) bool {
	var nc *nonCriticalError
	return errors.As(err, &nc)
}

// classify applies the job's classifier, falling back to the NonCritical marker.
func classify(job Job, err error) FailureMode {
	if c, ok := job.(ErrorClassifier); ok {
		return c.Classify(err)
	}
	if IsNonCritical(err) {
		return FailSoft
	}
	return FailHard
}
