package jobs

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aristath/jobcore/internal/scheduler"
)

// Job turns one logical operation into a graph of tasks and owns the state
// aggregated across them.
//
// Once dispatched, all Job methods are called from the job's runner
// goroutine, one at a time, so implementations need no locking for state
// touched only here. Dispatch itself calls ResumeState once beforehand.
type Job interface {
	// Name identifies the job kind. It is the key used to rebuild the job
	// from its report after a restart.
	Name() string

	// InitialTasks produces the first tasks. After Restore it must only
	// produce tasks for work not yet reflected in the restored state.
	InitialTasks(ctx context.Context, jc *Context) ([]scheduler.Task, error)

	// HandleOutput receives each finished task's output and may return more
	// tasks. A job must eventually stop producing tasks.
	HandleOutput(ctx context.Context, jc *Context, out TaskOutput) ([]scheduler.Task, error)

	// ResumeState returns a serializable snapshot of the job's state.
	ResumeState() (any, error)

	// Restore loads state previously produced by ResumeState.
	Restore(state []byte) error
}

// TaskOutput is what a job sees when one of its tasks finishes.
type TaskOutput struct {
	TaskID scheduler.TaskID
	Output any
}

// Finalizer is implemented by jobs that need a last step once every task
// finished without a critical error.
type Finalizer interface {
	Finish(ctx context.Context, jc *Context) error
}

// Keyed is implemented by jobs that must not run twice at once. Two jobs of
// the same name with the same key are equivalent; an empty key opts out.
type Keyed interface {
	Key() string
}

func jobKey(job Job) string {
	k, ok := job.(Keyed)
	if !ok || k.Key() == "" {
		return ""
	}
	return job.Name() + "\x00" + k.Key()
}

// DependentTask is implemented by tasks that must wait for other tasks of
// the same job.
type DependentTask interface {
	DependsOn() []scheduler.TaskID
}

// Resources are the scoped handles a job can reach (library roots, stores,
// clients). They are injected at manager construction.
type Resources map[string]any

// Get returns the named resource typed as T.
func Get[T any](r Resources, name string) (T, bool) {
	v, ok := r[name].(T)
	return v, ok
}

// Factory builds an empty job of one kind, ready for Restore.
type Factory func() Job

// Registry maps job names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice replaces the factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a job by name.
func (r *Registry) New(name string) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobName, name)
	}
	return f(), nil
}

// Has reports whether a factory is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
