package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.closed
}

// TestKafkaSinkForwardsEvents verifies events are keyed by subject and
// wrapped in a typed envelope.
func TestKafkaSinkForwardsEvents(t *testing.T) {
	bus := NewEventBus()
	w := &fakeWriter{}
	sink := NewKafkaSink(w, nil)

	sub := bus.SubscribeAll(10)
	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background(), sub) }()

	bus.Publish(TopicJob, progressEvent("job-7", 4))
	bus.Publish(TopicJob, JobStatusEvent{JobID: "job-7", Status: "completed", Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		msgs, _ := w.snapshot()
		return len(msgs) == 2
	}, time.Second, time.Millisecond)

	bus.Close()
	require.NoError(t, <-done)

	msgs, closed := w.snapshot()
	assert.True(t, closed)
	assert.Equal(t, "job-7", string(msgs[0].Key))

	var decoded struct {
		Type  string `json:"type"`
		Event struct {
			Completed uint64 `json:"completed"`
		} `json:"event"`
	}
	require.NoError(t, jsoniter.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, EventTypeJobProgress, decoded.Type)
	assert.Equal(t, uint64(4), decoded.Event.Completed)
}

// TestKafkaSinkSurvivesWriteErrors verifies a failed write drops only that event.
func TestKafkaSinkSurvivesWriteErrors(t *testing.T) {
	w := &fakeWriter{fail: 1}
	sink := NewKafkaSink(w, nil)

	sub := make(chan Event, 2)
	sub <- progressEvent("job-1", 1)
	sub <- progressEvent("job-1", 2)
	close(sub)

	require.NoError(t, sink.Run(context.Background(), sub))
	msgs, _ := w.snapshot()
	require.Len(t, msgs, 1)
}
