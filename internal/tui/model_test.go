package tui

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aristath/jobcore/internal/config"
	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/jobs"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) ListJobs(ctx context.Context, statuses ...jobs.Status) ([]jobs.Report, error) {
	args := m.Called(ctx)
	reports, _ := args.Get(0).([]jobs.Report)
	return reports, args.Error(1)
}

func (m *mockController) PauseJob(ctx context.Context, id jobs.JobID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockController) ResumeJob(ctx context.Context, id jobs.JobID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockController) CancelJob(ctx context.Context, id jobs.JobID) error {
	return m.Called(ctx, id).Error(0)
}

func newTestModel(t *testing.T, ctl Controller) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	m := New(ctl, bus, cfg, filepath.Join(dir, "global.json"), filepath.Join(dir, "project.json"))
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestJobPaneTracksEvents(t *testing.T) {
	m := newTestModel(t, &mockController{})
	id := jobs.NewJobID().String()

	updated, _ := m.Update(events.JobStatusEvent{JobID: id, Name: "indexer", Status: "running"})
	m = updated.(Model)
	updated, _ = m.Update(events.JobProgressEvent{JobID: id, Phase: "processing", Completed: 3, Total: 10, Message: "/srv/a"})
	m = updated.(Model)
	updated, _ = m.Update(events.TaskFinishedEvent{JobID: id, TaskID: "t1", Status: "failed", Error: "permission denied", Timestamp: time.Now()})
	m = updated.(Model)

	st, ok := m.jobPane.Selected()
	require.True(t, ok)
	assert.Equal(t, id, st.ID)
	assert.Equal(t, "indexer", st.Name)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, "processing", st.Phase)
	assert.Equal(t, uint64(3), st.Completed)
	assert.Equal(t, uint64(10), st.Total)
	require.Len(t, st.Tasks, 1)
	assert.Contains(t, st.Tasks[0], "permission denied")

	assert.Contains(t, m.View(), "indexer")
}

func TestJobPaneShowsInfoAndETA(t *testing.T) {
	m := newTestModel(t, &mockController{})
	eta := time.Date(2024, 3, 1, 12, 30, 0, 0, time.Local)
	rep := jobs.Report{ID: jobs.NewJobID(), Name: "indexer", Status: jobs.StatusRunning, Info: "/srv/media"}

	updated, _ := m.Update(jobsLoadedMsg{reports: []jobs.Report{rep}})
	m = updated.(Model)
	updated, _ = m.Update(events.JobProgressEvent{JobID: rep.ID.String(), Completed: 1, Total: 4, EstimatedCompletion: &eta})
	m = updated.(Model)

	st, ok := m.jobPane.Selected()
	require.True(t, ok)
	assert.Equal(t, "/srv/media", st.Info)
	require.NotNil(t, st.ETA)
	detail := renderDetail(&st, 80)
	assert.Contains(t, detail, "/srv/media")
	assert.Contains(t, detail, "12:30:00")

	updated, _ = m.Update(events.JobStatusEvent{JobID: rep.ID.String(), Status: "completed"})
	m = updated.(Model)
	st, _ = m.jobPane.Selected()
	assert.Nil(t, st.ETA)
}

func TestJobsLoadedKeepsSelection(t *testing.T) {
	m := newTestModel(t, &mockController{})

	older := jobs.Report{ID: jobs.NewJobID(), Name: "older", Status: jobs.StatusCompleted}
	newer := jobs.Report{ID: jobs.NewJobID(), Name: "newer", Status: jobs.StatusPaused,
		NonCriticalErrors: []jobs.ErrorRecord{{Message: "unreadable"}}}

	updated, _ := m.Update(jobsLoadedMsg{reports: []jobs.Report{newer, older}})
	m = updated.(Model)

	// The first job listed stays selected as newer ones are added above it.
	assert.Equal(t, older.ID.String(), m.jobPane.SelectedID())

	updated, _ = m.Update(key("k"))
	m = updated.(Model)
	st, ok := m.jobPane.Selected()
	require.True(t, ok)
	assert.Equal(t, newer.ID.String(), st.ID)
	assert.Equal(t, "paused", st.Status)
	assert.Equal(t, []string{"unreadable"}, st.Errors)

	updated, _ = m.Update(events.JobStatusEvent{JobID: jobs.NewJobID().String(), Name: "fresh", Status: "queued"})
	m = updated.(Model)
	assert.Equal(t, newer.ID.String(), m.jobPane.SelectedID())
}

func TestControlKeysDriveSelectedJob(t *testing.T) {
	tests := []struct {
		key    string
		method string
	}{
		{KeyPause, "PauseJob"},
		{KeyResume, "ResumeJob"},
		{KeyCancel, "CancelJob"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			ctl := &mockController{}
			m := newTestModel(t, ctl)
			id := jobs.NewJobID()
			ctl.On(tt.method, mock.Anything, id).Return(nil).Once()

			updated, _ := m.Update(events.JobStatusEvent{JobID: id.String(), Name: "indexer", Status: "running"})
			m = updated.(Model)

			_, cmd := m.Update(key(tt.key))
			require.NotNil(t, cmd)
			msg := cmd()
			done, ok := msg.(controlDoneMsg)
			require.True(t, ok, "unexpected message %T", msg)
			assert.NoError(t, done.err)
			ctl.AssertExpectations(t)
		})
	}
}

func TestControlErrorShownAsNotice(t *testing.T) {
	ctl := &mockController{}
	m := newTestModel(t, ctl)
	id := jobs.NewJobID()
	ctl.On("PauseJob", mock.Anything, id).Return(jobs.ErrJobTerminal)

	updated, _ := m.Update(events.JobStatusEvent{JobID: id.String(), Name: "indexer", Status: "completed"})
	m = updated.(Model)

	_, cmd := m.Update(key(KeyPause))
	require.NotNil(t, cmd)
	updated, _ = m.Update(cmd())
	m = updated.(Model)

	assert.Contains(t, m.notice, "pause")
	assert.Contains(t, m.notice, jobs.ErrJobTerminal.Error())
	assert.True(t, strings.Contains(m.View(), "job already finished"))
}

func TestControlKeyWithoutSelectionIsNoop(t *testing.T) {
	ctl := &mockController{}
	m := newTestModel(t, ctl)

	_, cmd := m.Update(key(KeyPause))
	assert.Nil(t, cmd)
	ctl.AssertNotCalled(t, "PauseJob", mock.Anything, mock.Anything)
}

func TestFocusCycling(t *testing.T) {
	m := newTestModel(t, &mockController{})
	assert.Equal(t, PaneJobs, m.focusedPane)

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = updated.(Model)
	assert.Equal(t, PaneWorkers, m.focusedPane)

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = updated.(Model)
	assert.Equal(t, PaneJobs, m.focusedPane)

	updated, _ = m.Update(key(KeyPane2))
	m = updated.(Model)
	assert.Equal(t, PaneWorkers, m.focusedPane)
}

func TestWorkerPaneShowsLoad(t *testing.T) {
	m := newTestModel(t, &mockController{})

	updated, _ := m.Update(events.WorkerLoadEvent{WorkerID: 2, Queued: 7, Weight: 7, Timestamp: time.Now()})
	m = updated.(Model)

	assert.Contains(t, m.workerPane.View(), "7")
}
