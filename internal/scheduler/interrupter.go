package scheduler

import (
	"sync"
	"sync/atomic"
)

// InterruptKind is the kind of interruption pending for a run-step.
type InterruptKind int32

const (
	InterruptNone InterruptKind = iota
	InterruptPause
	InterruptCancel
)

// Interrupter is the cooperative signal handed to every run-step.
// All checks are non-blocking. A fresh Interrupter is created per run-step.
type Interrupter struct {
	kind      atomic.Int32
	pauseSeen atomic.Bool
	once      sync.Once
	ch        chan struct{}
}

func newInterrupter() *Interrupter {
	return &Interrupter{ch: make(chan struct{})}
}

// ShouldPause reports whether the task was asked to pause.
func (i *Interrupter) ShouldPause() bool {
	return InterruptKind(i.kind.Load()) == InterruptPause
}

// ShouldCancel reports whether the task was asked to cancel.
func (i *Interrupter) ShouldCancel() bool {
	return InterruptKind(i.kind.Load()) == InterruptCancel
}

// Check returns the pending interruption, if any.
func (i *Interrupter) Check() InterruptKind {
	return InterruptKind(i.kind.Load())
}

// Signal is closed once any interruption is requested, so tasks blocked on
// I/O can select on it.
func (i *Interrupter) Signal() <-chan struct{} {
	return i.ch
}

// Interrupted returns the ExecStatus a task should return for a pending
// interruption, and false when there is none.
//
//	if st, ok := intr.Interrupted(); ok {
//		return st, nil
//	}
func (i *Interrupter) Interrupted() (ExecStatus, bool) {
	switch i.Check() {
	case InterruptCancel:
		return Canceled(), true
	case InterruptPause:
		return Paused(), true
	}
	return ExecStatus{}, false
}

// pause requests a pause unless a cancel is already pending.
func (i *Interrupter) pause() {
	if i.kind.CompareAndSwap(int32(InterruptNone), int32(InterruptPause)) {
		i.pauseSeen.Store(true)
		i.once.Do(func() { close(i.ch) })
	}
}

// cancel requests cancellation. It overrides a pending pause.
func (i *Interrupter) cancel() {
	i.kind.Store(int32(InterruptCancel))
	i.once.Do(func() { close(i.ch) })
}

// pauseRequested reports whether this run-step was ever asked to pause.
func (i *Interrupter) pauseRequested() bool {
	return i.pauseSeen.Load()
}
