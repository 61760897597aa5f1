// Package indexer is a job that walks a directory tree and tallies what it
// finds. Each directory is one task; sub-directories become follow-up tasks,
// so the task graph grows while the job runs.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/jobcore/internal/jobs"
	"github.com/aristath/jobcore/internal/scheduler"
)

// Name is the registry key of the indexer job.
const Name = "indexer"

// Phases reported while the job runs. The job manager sets
// jobs.PhaseCompleted at the end.
const (
	PhaseDiscovery  = "discovery"
	PhaseProcessing = "processing"
)

// entriesPerStep bounds the entries handled in one run-step before the task
// yields its worker.
const entriesPerStep = 256

// Stats are the totals of a walk.
type Stats struct {
	Dirs    uint64 `json:"dirs"`
	Files   uint64 `json:"files"`
	Bytes   uint64 `json:"bytes"`
	Skipped uint64 `json:"skipped"` // Directories or entries that could not be read
}

// state is the resume state of the job.
type state struct {
	Root       string   `json:"root"`
	SkipHidden bool     `json:"skip_hidden"`
	Started    bool     `json:"started"` // The root was queued; Pending is authoritative
	Pending    []string `json:"pending"` // Directories discovered but not yet walked
	Stats      Stats    `json:"stats"`
}

// Job walks Root.
type Job struct {
	root       string
	skipHidden bool
	pending    map[string]struct{}
	stats      Stats
	started    bool
}

// Option configures a Job.
type Option func(*Job)

// SkipHidden ignores entries whose name starts with a dot.
func SkipHidden() Option {
	return func(j *Job) { j.skipHidden = true }
}

// New creates an indexer job for root.
func New(root string, opts ...Option) *Job {
	j := &Job{root: root, pending: make(map[string]struct{})}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Register makes the indexer resumable through reg.
func Register(reg *jobs.Registry) {
	reg.Register(Name, func() jobs.Job { return New("") })
}

// Name implements jobs.Job.
func (j *Job) Name() string { return Name }

// Key implements jobs.Keyed: one indexer per root at a time.
func (j *Job) Key() string {
	if j.root == "" {
		return ""
	}
	return filepath.Clean(j.root)
}

// Stats returns the totals gathered so far.
func (j *Job) Stats() Stats { return j.stats }

// InitialTasks implements jobs.Job. A job that has not started yet begins
// with the root; a restored one with the directories it had not walked yet.
func (j *Job) InitialTasks(_ context.Context, jc *jobs.Context) ([]scheduler.Task, error) {
	jc.SetInfo(j.root)
	resumed := j.started
	if !j.started {
		jc.SetPhase(PhaseDiscovery)
		info, err := os.Stat(j.root)
		if err != nil {
			return nil, fmt.Errorf("indexing %s: %w", j.root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("indexing %s: not a directory", j.root)
		}
		j.pending[j.root] = struct{}{}
		j.started = true
		jc.AddTotal(1)
	}

	dirs := j.pendingDirs()
	jc.Logger().Info("indexing", zap.String("root", j.root), zap.Int("pending", len(dirs)), zap.Bool("resumed", resumed))

	tasks := make([]scheduler.Task, 0, len(dirs))
	for _, dir := range dirs {
		tasks = append(tasks, newWalkTask(dir, j.skipHidden))
	}
	return tasks, nil
}

// HandleOutput implements jobs.Job.
func (j *Job) HandleOutput(_ context.Context, jc *jobs.Context, out jobs.TaskOutput) ([]scheduler.Task, error) {
	res, ok := out.Output.(dirResult)
	if !ok {
		return nil, fmt.Errorf("unexpected task output %T", out.Output)
	}
	jc.SetPhase(PhaseProcessing)
	delete(j.pending, res.dir)

	if res.err != nil {
		j.stats.Skipped++
		jc.Advance(1, res.dir)
		return nil, jobs.NonCritical(fmt.Errorf("reading %s: %w", res.dir, res.err))
	}

	j.stats.Dirs++
	j.stats.Files += res.files
	j.stats.Bytes += res.bytes
	j.stats.Skipped += res.skipped

	tasks := make([]scheduler.Task, 0, len(res.subdirs))
	for _, sub := range res.subdirs {
		j.pending[sub] = struct{}{}
		tasks = append(tasks, newWalkTask(sub, j.skipHidden))
	}
	if len(tasks) > 0 {
		jc.AddTotal(uint64(len(tasks)))
	}
	jc.Advance(1, res.dir)
	return tasks, nil
}

// Finish implements jobs.Finalizer.
func (j *Job) Finish(_ context.Context, jc *jobs.Context) error {
	jc.ProgressMessage(fmt.Sprintf("%d directories, %d files, %d bytes", j.stats.Dirs, j.stats.Files, j.stats.Bytes))
	jc.Logger().Info("index complete",
		zap.String("root", j.root),
		zap.Uint64("dirs", j.stats.Dirs),
		zap.Uint64("files", j.stats.Files),
		zap.Uint64("bytes", j.stats.Bytes),
		zap.Uint64("skipped", j.stats.Skipped))
	return nil
}

// ResumeState implements jobs.Job.
func (j *Job) ResumeState() (any, error) {
	return state{
		Root:       j.root,
		SkipHidden: j.skipHidden,
		Started:    j.started,
		Pending:    j.pendingDirs(),
		Stats:      j.stats,
	}, nil
}

// Restore implements jobs.Job.
func (j *Job) Restore(data []byte) error {
	var st state
	if err := jobs.DecodeState(data, &st); err != nil {
		return err
	}
	if st.Root == "" {
		return errors.New("resume state has no root")
	}
	j.root = st.Root
	j.skipHidden = st.SkipHidden
	j.stats = st.Stats
	j.pending = make(map[string]struct{}, len(st.Pending))
	for _, dir := range st.Pending {
		j.pending[dir] = struct{}{}
	}
	j.started = st.Started
	return nil
}

func (j *Job) pendingDirs() []string {
	dirs := make([]string, 0, len(j.pending))
	for dir := range j.pending {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)
	return dirs
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
