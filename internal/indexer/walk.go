package indexer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aristath/jobcore/internal/scheduler"
)

// dirResult is the output of one walked directory.
type dirResult struct {
	dir     string
	files   uint64
	bytes   uint64
	skipped uint64
	subdirs []string
	err     error // The directory itself could not be read
}

// walkTask lists one directory. It keeps its cursor between run-steps, so a
// paused or yielded walk picks up at the next entry.
type walkTask struct {
	scheduler.BaseTask
	dir        string
	skipHidden bool

	listed  bool
	entries []os.DirEntry
	next    int
	res     dirResult
}

func newWalkTask(dir string, skipHidden bool) *walkTask {
	return &walkTask{
		BaseTask:   scheduler.NewBaseTask(1),
		dir:        dir,
		skipHidden: skipHidden,
		res:        dirResult{dir: dir},
	}
}

func (t *walkTask) Run(ctx context.Context, intr *scheduler.Interrupter) (scheduler.ExecStatus, error) {
	if st, ok := intr.Interrupted(); ok {
		return st, nil
	}

	if !t.listed {
		entries, err := os.ReadDir(t.dir)
		if err != nil {
			t.res.err = err
			return scheduler.Done(t.res), nil
		}
		t.entries = entries
		t.listed = true
	}

	for step := 0; t.next < len(t.entries); step++ {
		if step == entriesPerStep {
			return scheduler.Continued(), nil
		}
		if err := ctx.Err(); err != nil {
			return scheduler.ExecStatus{}, err
		}
		if st, ok := intr.Interrupted(); ok {
			return st, nil
		}

		entry := t.entries[t.next]
		t.next++
		if t.skipHidden && isHidden(entry.Name()) {
			continue
		}

		path := filepath.Join(t.dir, entry.Name())
		switch {
		case entry.IsDir():
			t.res.subdirs = append(t.res.subdirs, path)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				t.res.skipped++
				continue
			}
			t.res.files++
			t.res.bytes += uint64(info.Size())
		}
	}

	t.entries = nil
	return scheduler.Done(t.res), nil
}
