package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestInterrupterCancelOverridesPause verifies a cancel wins over a pending pause.
func TestInterrupterCancelOverridesPause(t *testing.T) {
	intr := newInterrupter()
	_, ok := intr.Interrupted()
	assert.False(t, ok)

	intr.pause()
	assert.True(t, intr.ShouldPause())
	assert.True(t, intr.pauseRequested())
	st, ok := intr.Interrupted()
	assert.True(t, ok)
	assert.Equal(t, ExecPaused, st.Kind)

	intr.cancel()
	assert.True(t, intr.ShouldCancel())
	assert.False(t, intr.ShouldPause())
	assert.Equal(t, InterruptCancel, intr.Check())

	// A later pause must not downgrade the cancel.
	intr.pause()
	assert.True(t, intr.ShouldCancel())

	select {
	case <-intr.Signal():
	default:
		t.Fatal("signal channel not closed")
	}
}

// TestMailboxPreservesOrder verifies FIFO delivery and rejection after close.
func TestMailboxPreservesOrder(t *testing.T) {
	m := newMailbox[int]()
	for i := 0; i < 5; i++ {
		assert.True(t, m.Push(i))
	}
	<-m.Signal()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, m.Drain())
	assert.Empty(t, m.Drain())

	assert.True(t, m.Push(9))
	assert.Equal(t, []int{9}, m.Close())
	assert.False(t, m.Push(10))
}

// TestStatusTerminal verifies which statuses end a task's life.
func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{TaskQueued, false},
		{TaskRunning, false},
		{TaskPaused, false},
		{TaskDone, true},
		{TaskCanceled, true},
		{TaskForcedAbortion, true},
		{TaskShutdown, true},
		{TaskError, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}
