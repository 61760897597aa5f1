package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/jobcore/internal/jobs"
	"github.com/aristath/jobcore/internal/persistence"
	"github.com/aristath/jobcore/internal/scheduler"
)

// tree describes a directory layout: each key is a relative directory and
// its value the number of files of fileSize bytes it holds.
type tree map[string]int

const fileSize = 10

func (tr tree) build(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for dir, files := range tr {
		full := filepath.Join(root, dir)
		require.NoError(t, os.MkdirAll(full, 0o755))
		for i := 0; i < files; i++ {
			name := filepath.Join(full, fmt.Sprintf("file-%d.dat", i))
			require.NoError(t, os.WriteFile(name, make([]byte, fileSize), 0o644))
		}
	}
	return root
}

func (tr tree) files() int {
	n := 0
	for _, f := range tr {
		n += f
	}
	return n
}

type env struct {
	store persistence.Store
	mgr   *jobs.Manager
}

func newEnv(t *testing.T, store persistence.Store, cfg jobs.Config) *env {
	t.Helper()
	if store == nil {
		var err error
		store, err = persistence.NewMemoryStore(context.Background())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}
	sys := scheduler.NewSystem(scheduler.Config{Workers: 4, IdleDebounce: 5 * time.Millisecond})
	reg := jobs.NewRegistry()
	Register(reg)
	mgr := jobs.NewManager(sys, store, nil, cfg, jobs.WithRegistry(reg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &env{store: store, mgr: mgr}
}

func (e *env) wait(t *testing.T, id jobs.JobID) jobs.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := e.mgr.Wait(ctx, id)
	require.NoError(t, err)
	return rep
}

func testConfig() jobs.Config {
	return jobs.Config{MaxInFlight: 8, CheckpointInterval: 10 * time.Millisecond, CancelGracePeriod: 50 * time.Millisecond}
}

func TestIndexerWalksTree(t *testing.T) {
	layout := tree{
		".":       2,
		"a":       3,
		"a/b":     1,
		"a/b/c":   4,
		"d":       0,
		".hidden": 5,
	}
	root := layout.build(t)
	e := newEnv(t, nil, testConfig())

	id, err := e.mgr.Dispatch(context.Background(), New(root))
	require.NoError(t, err)
	rep := e.wait(t, id)

	require.Equal(t, jobs.StatusCompleted, rep.Status, rep.CriticalError)
	assert.Equal(t, jobs.PhaseCompleted, rep.Phase)
	assert.Equal(t, uint64(len(layout)), rep.Progress.Completed)
	assert.Equal(t, uint64(len(layout)), rep.Progress.Total)
	want := fmt.Sprintf("%d directories, %d files, %d bytes", len(layout), layout.files(), layout.files()*fileSize)
	assert.Equal(t, want, rep.Progress.Message)
	assert.Empty(t, rep.ResumeState)
}

func TestIndexerSkipHidden(t *testing.T) {
	layout := tree{".": 1, "visible": 2, ".cache": 7, ".cache/deep": 3}
	root := layout.build(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".dotfile"), []byte("x"), 0o644))
	e := newEnv(t, nil, testConfig())

	id, err := e.mgr.Dispatch(context.Background(), New(root, SkipHidden()))
	require.NoError(t, err)
	rep := e.wait(t, id)

	require.Equal(t, jobs.StatusCompleted, rep.Status)
	assert.Equal(t, uint64(2), rep.Progress.Completed)
	assert.Equal(t, fmt.Sprintf("2 directories, 3 files, %d bytes", 3*fileSize), rep.Progress.Message)
}

func TestIndexerLargeDirectoryYields(t *testing.T) {
	layout := tree{".": entriesPerStep*3 + 7}
	root := layout.build(t)
	e := newEnv(t, nil, testConfig())

	id, err := e.mgr.Dispatch(context.Background(), New(root))
	require.NoError(t, err)
	rep := e.wait(t, id)

	require.Equal(t, jobs.StatusCompleted, rep.Status)
	assert.Contains(t, rep.Progress.Message, fmt.Sprintf("%d files", layout.files()))
}

func TestIndexerUnreadableDirectoryIsNonCritical(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	layout := tree{".": 1, "open": 2, "locked": 3, "open/inner": 1}
	root := layout.build(t)
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	e := newEnv(t, nil, testConfig())
	id, err := e.mgr.Dispatch(context.Background(), New(root))
	require.NoError(t, err)
	rep := e.wait(t, id)

	require.Equal(t, jobs.StatusCompletedWithErrors, rep.Status)
	require.Len(t, rep.NonCriticalErrors, 1)
	assert.Contains(t, rep.NonCriticalErrors[0].Message, locked)
	assert.Equal(t, uint64(len(layout)), rep.Progress.Completed)
	assert.Equal(t, fmt.Sprintf("3 directories, 4 files, %d bytes", 4*fileSize), rep.Progress.Message)
}

func TestIndexerRootMustBeDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("hi"), 0o644))
	e := newEnv(t, nil, testConfig())

	for _, root := range []string{file, filepath.Join(t.TempDir(), "missing")} {
		id, err := e.mgr.Dispatch(context.Background(), New(root))
		require.NoError(t, err)
		rep := e.wait(t, id)

		assert.Equal(t, jobs.StatusFailed, rep.Status, root)
		assert.Contains(t, rep.CriticalError, root)
	}
}

// TestIndexerResumesAfterShutdown interrupts a walk and resumes it on a new
// manager over the same store; every directory is counted exactly once.
func TestIndexerResumesAfterShutdown(t *testing.T) {
	layout := tree{".": 1}
	for i := 0; i < 40; i++ {
		for j := 0; j < 5; j++ {
			layout[fmt.Sprintf("d%02d/s%d", i, j)] = 2
		}
		layout[fmt.Sprintf("d%02d", i)] = 1
	}
	root := layout.build(t)

	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := testConfig()
	cfg.MaxInFlight = 2

	first := newEnv(t, store, cfg)
	id, err := first.mgr.Dispatch(context.Background(), New(root))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rep, err := first.mgr.GetJob(context.Background(), id)
		require.NoError(t, err)
		if rep.Progress.Completed >= 20 || rep.Status.IsTerminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.mgr.Shutdown(ctx))

	stored, err := store.LoadReport(context.Background(), id)
	require.NoError(t, err)
	if stored.Status == jobs.StatusPaused {
		assert.NotEmpty(t, stored.ResumeState)
		assert.Less(t, stored.Progress.Completed, uint64(len(layout)))

		second := newEnv(t, store, cfg)
		resumed, err := second.mgr.ResumeAll(context.Background())
		require.NoError(t, err)
		require.Equal(t, []jobs.JobID{id}, resumed)
		stored = second.wait(t, id)
	}

	require.Equal(t, jobs.StatusCompleted, stored.Status, stored.CriticalError)
	assert.Equal(t, uint64(len(layout)), stored.Progress.Completed)
	assert.Equal(t, uint64(len(layout)), stored.Progress.Total)
	assert.True(t, strings.HasPrefix(stored.Progress.Message, fmt.Sprintf("%d directories, %d files", len(layout), layout.files())),
		stored.Progress.Message)
}

func TestResumeStateRoundTrip(t *testing.T) {
	j := New("/music", SkipHidden())
	j.pending["/music/b"] = struct{}{}
	j.pending["/music/a"] = struct{}{}
	j.stats = Stats{Dirs: 3, Files: 10, Bytes: 100, Skipped: 1}
	j.started = true

	st, err := j.ResumeState()
	require.NoError(t, err)
	data, err := jsoniter.Marshal(st)
	require.NoError(t, err)

	restored := New("")
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, "/music", restored.root)
	assert.True(t, restored.skipHidden)
	assert.Equal(t, []string{"/music/a", "/music/b"}, restored.pendingDirs())
	assert.Equal(t, j.stats, restored.Stats())
	assert.True(t, restored.started)

	assert.Error(t, New("").Restore([]byte(`{"pending":["/x"]}`)))
}

// holdJob runs one task that returns only once it is interrupted.
type holdJob struct{}

func (holdJob) Name() string { return "hold" }

func (holdJob) InitialTasks(context.Context, *jobs.Context) ([]scheduler.Task, error) {
	return []scheduler.Task{scheduler.NewFuncTask(func(_ context.Context, intr *scheduler.Interrupter) (scheduler.ExecStatus, error) {
		<-intr.Signal()
		st, _ := intr.Interrupted()
		return st, nil
	})}, nil
}

func (holdJob) HandleOutput(context.Context, *jobs.Context, jobs.TaskOutput) ([]scheduler.Task, error) {
	return nil, nil
}

func (holdJob) ResumeState() (any, error) { return nil, nil }
func (holdJob) Restore([]byte) error      { return nil }

// holdSlot dispatches a holdJob and waits until it occupies a job slot.
func holdSlot(t *testing.T, e *env) jobs.JobID {
	t.Helper()
	id, err := e.mgr.Dispatch(context.Background(), holdJob{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rep, err := e.mgr.GetJob(context.Background(), id)
		return err == nil && rep.Status == jobs.StatusRunning
	}, 5*time.Second, time.Millisecond)
	return id
}

func TestQueuedIndexerResumesAfterShutdown(t *testing.T) {
	layout := tree{".": 1, "a": 2, "a/b": 3}
	root := layout.build(t)

	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	ctx := context.Background()

	first := newEnv(t, store, cfg)
	holdSlot(t, first)
	id, err := first.mgr.Dispatch(ctx, New(root, SkipHidden()))
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, first.mgr.Shutdown(shutdownCtx))

	stored, err := store.LoadReport(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, stored.Status)
	require.NotEmpty(t, stored.ResumeState)

	second := newEnv(t, store, cfg)
	require.NoError(t, second.mgr.ResumeJob(ctx, id))
	rep := second.wait(t, id)

	require.Equal(t, jobs.StatusCompleted, rep.Status, rep.CriticalError)
	assert.Equal(t, uint64(len(layout)), rep.Progress.Completed)
	assert.Equal(t, uint64(len(layout)), rep.Progress.Total)
	assert.Equal(t, root, rep.Info)
}

func TestIndexerRejectsSecondJobOnSameRoot(t *testing.T) {
	root := tree{".": 1, "a": 1}.build(t)
	other := tree{".": 1}.build(t)

	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	e := newEnv(t, nil, cfg)
	ctx := context.Background()

	holdID := holdSlot(t, e)
	id, err := e.mgr.Dispatch(ctx, New(root))
	require.NoError(t, err)

	_, err = e.mgr.Dispatch(ctx, New(root+string(filepath.Separator)))
	assert.ErrorIs(t, err, jobs.ErrJobAlreadyRunning)
	otherID, err := e.mgr.Dispatch(ctx, New(other))
	require.NoError(t, err)

	require.NoError(t, e.mgr.CancelJob(ctx, holdID))
	assert.Equal(t, jobs.StatusCompleted, e.wait(t, id).Status)
	assert.Equal(t, jobs.StatusCompleted, e.wait(t, otherID).Status)

	again, err := e.mgr.Dispatch(ctx, New(root))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, e.wait(t, again).Status)
}
