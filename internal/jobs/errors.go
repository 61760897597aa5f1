package jobs

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotActive      = errors.New("job is not running in this process")
	ErrJobActive         = errors.New("job is still active")
	ErrJobAlreadyRunning = errors.New("an equivalent job is already running")
	ErrJobTerminal       = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrUnknownJobName    = errors.New("no job registered under this name")
	ErrManagerClosed     = errors.New("job manager is shut down")
	ErrReportNotFound    = errors.New("report not found")
)
