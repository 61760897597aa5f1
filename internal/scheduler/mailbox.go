package scheduler

import "sync"

// mailbox is an unbounded FIFO inbox. Push never blocks, so workers and the
// system loop can message each other in any direction without deadlocking.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

// Push appends a message. Returns false once the mailbox is closed.
func (m *mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Signal fires when messages may be waiting.
func (m *mailbox[T]) Signal() <-chan struct{} {
	return m.signal
}

// Drain removes and returns every pending message in arrival order.
func (m *mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	m.items = nil
	return items
}

// Close rejects further pushes and returns the messages that were still
// pending.
func (m *mailbox[T]) Close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	items := m.items
	m.items = nil
	return items
}
