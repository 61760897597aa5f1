package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/aristath/jobcore/internal/events"
)

// Context is the facade jobs and their tasks use to report progress,
// checkpoint and reach injected resources. It is safe for concurrent use.
type Context struct {
	id        JobID
	name      string
	log       *zap.Logger
	resources Resources
	store     ReportStore
	bus       *events.EventBus

	saveMu sync.Mutex // orders store writes so an older snapshot never lands last

	mu       sync.Mutex
	report   Report
	lastSave time.Time
}

func newContext(report Report, m *Manager) *Context {
	return &Context{
		id:        report.ID,
		name:      report.Name,
		log:       m.log.With(zap.String("job", report.Name), zap.Stringer("job_id", report.ID)),
		resources: m.resources,
		store:     m.store,
		bus:       m.bus,
		report:    report,
	}
}

// ID returns the job identifier.
func (c *Context) ID() JobID { return c.id }

// Name returns the job name.
func (c *Context) Name() string { return c.name }

// Logger returns a logger scoped to this job.
func (c *Context) Logger() *zap.Logger { return c.log }

// Resources returns the injected resources.
func (c *Context) Resources() Resources { return c.resources }

// ReportProgress replaces the progress snapshot and publishes it.
func (c *Context) ReportProgress(completed, total uint64, message string) {
	c.mu.Lock()
	c.report.Progress = Progress{Completed: completed, Total: total, Message: message}
	ev := c.progressChangedLocked()
	c.mu.Unlock()

	c.bus.Publish(events.TopicJob, ev)
}

// Advance adds n to the completed count. An empty message keeps the last one.
func (c *Context) Advance(n uint64, message string) {
	c.mu.Lock()
	c.report.Progress.Completed += n
	if message != "" {
		c.report.Progress.Message = message
	}
	ev := c.progressChangedLocked()
	c.mu.Unlock()

	c.bus.Publish(events.TopicJob, ev)
}

// ProgressMessage updates only the progress message.
func (c *Context) ProgressMessage(message string) {
	c.mu.Lock()
	c.report.Progress.Message = message
	ev := c.progressChangedLocked()
	c.mu.Unlock()

	c.bus.Publish(events.TopicJob, ev)
}

// AddTotal grows the planned task count, e.g. when a job discovers more work.
func (c *Context) AddTotal(n uint64) {
	c.mu.Lock()
	c.report.Progress.Total += n
	ev := c.progressChangedLocked()
	c.mu.Unlock()

	c.bus.Publish(events.TopicJob, ev)
}

// SetPhase moves the job to a job-specific phase.
func (c *Context) SetPhase(phase string) {
	c.mu.Lock()
	if c.report.Phase == phase {
		c.mu.Unlock()
		return
	}
	c.report.Phase = phase
	ev := c.progressChangedLocked()
	c.mu.Unlock()

	c.bus.Publish(events.TopicJob, ev)
}

// SetInfo records a short job-specific description, such as the location a
// job works on. It is persisted with the report.
func (c *Context) SetInfo(info string) {
	c.update(func(r *Report) { r.Info = info })
}

// Progress returns the current progress.
func (c *Context) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report.Progress
}

// Phase returns the current phase.
func (c *Context) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report.Phase
}

// Checkpoint serializes state as the job's resume state and durably stores
// the report.
func (c *Context) Checkpoint(ctx context.Context, state any) error {
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.report.ResumeState = encoded
	c.mu.Unlock()

	return c.save(ctx)
}

// Report returns a snapshot of the report.
func (c *Context) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report.Clone()
}

// progressChangedLocked refreshes the completion estimate and returns the
// event describing the new progress.
func (c *Context) progressChangedLocked() events.JobProgressEvent {
	now := time.Now()
	c.report.EstimatedCompletion = estimateCompletion(c.report, now)
	ev := events.JobProgressEvent{
		JobID:     c.id.String(),
		Phase:     c.report.Phase,
		Completed: c.report.Progress.Completed,
		Total:     c.report.Progress.Total,
		Message:   c.report.Progress.Message,
		Timestamp: now,
	}
	if eta := c.report.EstimatedCompletion; eta != nil {
		t := *eta
		ev.EstimatedCompletion = &t
	}
	return ev
}

// estimateCompletion extrapolates the average time per completed unit over
// the remaining units. It returns nil until there is a rate to go by.
func estimateCompletion(r Report, now time.Time) *time.Time {
	p := r.Progress
	if r.StartedAt == nil || p.Completed == 0 || p.Total < p.Completed {
		return nil
	}
	elapsed := now.Sub(*r.StartedAt)
	if elapsed < 0 {
		return nil
	}
	perUnit := elapsed / time.Duration(p.Completed)
	eta := now.Add(perUnit * time.Duration(p.Total-p.Completed))
	return &eta
}

// update mutates the report under the lock.
func (c *Context) update(fn func(r *Report)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.report)
}

func (c *Context) addNonCritical(taskID string, err error) {
	c.update(func(r *Report) {
		r.NonCriticalErrors = append(r.NonCriticalErrors, ErrorRecord{
			TaskID:  taskID,
			Message: err.Error(),
			At:      time.Now(),
		})
	})
}

// save writes the current report to the store.
func (c *Context) save(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	c.report.UpdatedAt = time.Now()
	snapshot := c.report.Clone()
	c.mu.Unlock()

	if err := c.store.SaveReport(ctx, snapshot); err != nil {
		return fmt.Errorf("saving report for job %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.lastSave = time.Now()
	c.mu.Unlock()
	return nil
}

// saveDue reports whether interval elapsed since the last save. A
// non-positive interval never makes a save due.
func (c *Context) saveDue(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSave) >= interval
}

var stateCodec = jsoniter.ConfigCompatibleWithStandardLibrary

func encodeState(state any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	b, err := stateCodec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding resume state: %w", err)
	}
	return b, nil
}

// DecodeState decodes resume state written by Checkpoint into v. Jobs call
// it from Restore.
func DecodeState(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := stateCodec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding resume state: %w", err)
	}
	return nil
}
