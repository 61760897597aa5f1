package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerStats is the load the system last heard from a worker.
type WorkerStats struct {
	ID     WorkerID `json:"id"`
	Queued int      `json:"queued"`
	Weight uint64   `json:"weight"`
	Idle   bool     `json:"idle"`
}

// workerLoad is the system loop's view of one worker.
type workerLoad struct {
	queued int
	weight uint64
	idle   bool
}

// System owns the worker pool. It assigns new tasks to the least loaded
// worker, routes control requests to the owning worker and arranges work
// stealing between workers.
type System struct {
	cfg     Config
	log     *zap.Logger
	metrics Metrics
	hook    TransitionFunc

	workers []*worker
	inbox   *mailbox[sysMsg]
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu      sync.Mutex
	handles map[TaskID]*Handle

	closing      atomic.Bool
	loopDone     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewSystem starts a task system with cfg.Workers workers.
func NewSystem(cfg Config, opts ...Option) *System {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &System{
		cfg:      cfg,
		log:      zap.NewNop(),
		metrics:  NilMetrics{},
		inbox:    newMailbox[sysMsg](),
		cancel:   cancel,
		handles:  make(map[TaskID]*Handle),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.workers = make([]*worker, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = newWorker(ctx, WorkerID(i), s)
	}
	s.wg.Add(len(s.workers))
	for _, w := range s.workers {
		go w.loop()
	}
	go s.loop()

	s.log.Info("task system started",
		zap.Int("workers", cfg.Workers),
		zap.Int("steal_batch_size", cfg.StealBatchSize),
		zap.Duration("idle_debounce", cfg.IdleDebounce))
	return s
}

// Workers returns the pool size.
func (s *System) Workers() int { return len(s.workers) }

// Dispatch hands a task to the system and returns its handle.
func (s *System) Dispatch(task Task) (*Handle, error) {
	handles, err := s.DispatchMany([]Task{task})
	if err != nil {
		return nil, err
	}
	return handles[0], nil
}

// DispatchMany dispatches a batch, spreading it over the least loaded workers.
func (s *System) DispatchMany(tasks []Task) ([]*Handle, error) {
	if s.closing.Load() {
		return nil, ErrSystemShutdown
	}

	handles := make([]*Handle, 0, len(tasks))
	s.mu.Lock()
	for _, t := range tasks {
		if t == nil {
			s.mu.Unlock()
			s.forgetAll(handles)
			return nil, errors.New("nil task")
		}
		if _, exists := s.handles[t.ID()]; exists {
			s.mu.Unlock()
			s.forgetAll(handles)
			return nil, fmt.Errorf("task %s already dispatched", t.ID())
		}
		h := newHandle(s, t)
		s.handles[h.id] = h
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return handles, nil
	}
	if !s.inbox.Push(dispatchMsg{handles: handles}) {
		s.forgetAll(handles)
		return nil, ErrSystemShutdown
	}
	return handles, nil
}

// Handle looks up the handle of a live task.
func (s *System) Handle(id TaskID) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return h, nil
}

// Pause asks a task to suspend.
func (s *System) Pause(id TaskID) error {
	h, err := s.Handle(id)
	if err != nil {
		return err
	}
	return h.Pause()
}

// Resume lets a paused task continue.
func (s *System) Resume(id TaskID) error {
	h, err := s.Handle(id)
	if err != nil {
		return err
	}
	return h.Resume()
}

// Cancel asks a task to stop.
func (s *System) Cancel(id TaskID) error {
	h, err := s.Handle(id)
	if err != nil {
		return err
	}
	return h.Cancel()
}

// ForceAbort cancels a task and discards it if it is still live after timeout.
func (s *System) ForceAbort(ctx context.Context, id TaskID, timeout time.Duration) error {
	h, err := s.Handle(id)
	if err != nil {
		return err
	}
	return h.ForceAbort(ctx, timeout)
}

// Stats returns the last reported load of every worker.
func (s *System) Stats(ctx context.Context) ([]WorkerStats, error) {
	q := statsQuery{reply: make(chan []WorkerStats, 1)}
	if !s.inbox.Push(q) {
		return nil, ErrSystemShutdown
	}
	select {
	case stats := <-q.reply:
		return stats, nil
	case <-s.loopDone:
		return nil, ErrSystemShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting tasks, asks every worker to drain and waits for
// all of them to acknowledge. Running tasks are asked to pause; they and all
// queued or paused tasks finish with TaskShutdown and carry the Task so the
// owner can persist it. Tasks still running when ctx expires are aborted.
func (s *System) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *System) shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.inbox.Push(beginShutdownMsg{})
	s.log.Info("task system shutting down")

	g := new(errgroup.Group)
	for _, w := range s.workers {
		req := shutdownMsg{ctx: ctx, ack: make(chan struct{})}
		if !w.inbox.Push(req) {
			continue
		}
		id := w.id
		g.Go(func() error {
			select {
			case <-req.ack:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("worker %d: %w", id, ctx.Err())
			}
		})
	}
	err := g.Wait()
	if err == nil {
		s.wg.Wait()
	}

	s.inbox.Push(stopMsg{})
	<-s.loopDone
	s.cancel()

	s.log.Info("task system stopped", zap.Error(err))
	return err
}

// route delivers a control request to the task's current owner. Tasks not
// yet assigned pick their flags up on arrival.
func (s *System) route(h *Handle, op controlOp) error {
	owner := h.Owner()
	if owner == noWorker {
		return nil
	}
	if !s.workers[owner].inbox.Push(controlMsg{handle: h, op: op}) {
		return fmt.Errorf("%s task %s: %w", op, h.id, ErrSystemShutdown)
	}
	return nil
}

func (s *System) forget(id TaskID) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *System) forgetAll(handles []*Handle) {
	s.mu.Lock()
	for _, h := range handles {
		delete(s.handles, h.id)
	}
	s.mu.Unlock()
}

func (s *System) transition(id TaskID, from, to Status) {
	if s.hook != nil {
		s.hook(id, from, to)
	}
}

// loop is the single owner of the load table and the steal cursor.
func (s *System) loop() {
	defer close(s.loopDone)

	var (
		load       = make([]workerLoad, len(s.workers))
		dispatchAt int
		stealFrom  int
		draining   bool
		stopping   bool
	)

	// leastLoaded picks the worker with the lowest reported weight. Ties go
	// to the first one found from the rotating cursor.
	leastLoaded := func() int {
		n := len(load)
		best := dispatchAt % n
		for i := 1; i < n; i++ {
			j := (dispatchAt + i) % n
			if load[j].weight < load[best].weight {
				best = j
			}
		}
		dispatchAt = (best + 1) % n
		return best
	}

	requestSteal := func(thief WorkerID, candidates []WorkerID) {
		for len(candidates) > 0 {
			victim := candidates[0]
			msg := stealRequestMsg{thief: thief, max: s.cfg.StealBatchSize, rest: candidates[1:]}
			if s.workers[victim].inbox.Push(msg) {
				return
			}
			candidates = candidates[1:]
		}
	}

	for {
		<-s.inbox.Signal()
		for _, m := range s.inbox.Drain() {
			switch m := m.(type) {
			case dispatchMsg:
				if draining {
					for _, h := range m.handles {
						h.complete(Result{Status: TaskShutdown, Task: h.task})
					}
					continue
				}
				batches := make(map[int][]*Handle)
				for _, h := range m.handles {
					w := leastLoaded()
					h.wt.owner.Store(int64(w))
					load[w].queued++
					load[w].weight += uint64(h.task.Weight())
					load[w].idle = false
					batches[w] = append(batches[w], h)
				}
				for w, hs := range batches {
					if !s.workers[w].inbox.Push(newTaskMsg{handles: hs}) {
						for _, h := range hs {
							h.complete(Result{Status: TaskShutdown, Task: h.task})
						}
					}
				}

			case workingReport:
				load[m.worker] = workerLoad{queued: m.queued, weight: m.weight, idle: m.queued == 0 && m.weight == 0}

			case idleReport:
				load[m.worker] = workerLoad{idle: true}
				if draining {
					continue
				}
				n := len(load)
				var candidates []WorkerID
				for i := 0; i < n; i++ {
					j := (stealFrom + i) % n
					if WorkerID(j) != m.worker && load[j].queued > 1 {
						candidates = append(candidates, WorkerID(j))
					}
				}
				stealFrom = (stealFrom + 1) % n
				requestSteal(m.worker, candidates)

			case stealRefused:
				if !draining {
					requestSteal(m.thief, m.rest)
				}

			case statsQuery:
				stats := make([]WorkerStats, len(load))
				for i, l := range load {
					stats[i] = WorkerStats{ID: WorkerID(i), Queued: l.queued, Weight: l.weight, Idle: l.idle}
				}
				m.reply <- stats

			case beginShutdownMsg:
				draining = true

			case stopMsg:
				stopping = true
			}
		}

		if stopping {
			for _, m := range s.inbox.Close() {
				if d, ok := m.(dispatchMsg); ok {
					for _, h := range d.handles {
						h.complete(Result{Status: TaskShutdown, Task: h.task})
					}
				}
			}
			return
		}
	}
}
