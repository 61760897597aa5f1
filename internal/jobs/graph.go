package jobs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/jobcore/internal/scheduler"
)

// NodeState is the state of one task inside a job's graph.
type NodeState int

const (
	NodePending   NodeState = iota // Waiting for dependencies or a dispatch slot
	NodeRunning                    // Dispatched to the task system
	NodeCompleted                  // Finished successfully
	NodeFailed                     // Finished with error
	NodeCanceled                   // Canceled, aborted or dropped
)

type node struct {
	task      scheduler.Task
	dependsOn []scheduler.TaskID
	state     NodeState
	mode      FailureMode
	err       error
}

// GraphCounts summarizes node states.
type GraphCounts struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Canceled  int
}

// Graph is the dynamic task graph of a job. Tasks are added as the job
// discovers them; follow-ups implicitly depend on the task that produced them.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[scheduler.TaskID]*node
	order      []scheduler.TaskID                      // insertion order, drives dispatch order
	dependents map[scheduler.TaskID][]scheduler.TaskID // taskID -> tasks that depend on it
	pendingAt  int                                     // no pending node before this index
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[scheduler.TaskID]*node),
		dependents: make(map[scheduler.TaskID][]scheduler.TaskID),
	}
}

// Add inserts a batch of tasks. Each task depends on parent (when non-nil)
// plus whatever it declares through DependentTask. Dependencies may point at
// other tasks of the same batch. On error the graph is left unchanged.
func (g *Graph) Add(tasks []scheduler.Task, parent *scheduler.TaskID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	added := make([]scheduler.TaskID, 0, len(tasks))
	rollback := func() {
		for i := len(added) - 1; i >= 0; i-- {
			id := added[i]
			n := g.nodes[id]
			for _, dep := range n.dependsOn {
				deps := g.dependents[dep]
				g.dependents[dep] = deps[:len(deps)-1]
			}
			delete(g.nodes, id)
		}
		g.order = g.order[:len(g.order)-len(added)]
	}

	for _, task := range tasks {
		id := task.ID()
		if _, exists := g.nodes[id]; exists {
			rollback()
			return fmt.Errorf("task %s already in graph", id)
		}

		var deps []scheduler.TaskID
		if parent != nil {
			deps = append(deps, *parent)
		}
		if dt, ok := task.(DependentTask); ok {
			deps = append(deps, dt.DependsOn()...)
		}

		g.nodes[id] = &node{task: task, dependsOn: deps}
		g.order = append(g.order, id)
		added = append(added, id)
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	// Dependencies on tasks already in the graph cannot close a cycle; only
	// edges inside the batch need a full sort.
	inBatch := make(map[scheduler.TaskID]bool, len(added))
	for _, id := range added {
		inBatch[id] = true
	}
	needsSort := false
	for _, id := range added {
		for _, dep := range g.nodes[id].dependsOn {
			if inBatch[dep] {
				needsSort = true
			} else if _, exists := g.nodes[dep]; !exists {
				rollback()
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
		}
	}
	if needsSort {
		if _, err := g.validateLocked(); err != nil {
			rollback()
			return err
		}
	}
	return nil
}

// Validate runs a topological sort over the graph. Returns ordered task IDs,
// or an error on a cycle or a dependency on an unknown task.
func (g *Graph) Validate() ([]scheduler.TaskID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() ([]scheduler.TaskID, error) {
	for id, n := range g.nodes {
		for _, dep := range n.dependsOn {
			if _, exists := g.nodes[dep]; !exists {
				return nil, fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
		}
	}

	var edges []toposort.Edge
	for id, n := range g.nodes {
		if len(n.dependsOn) == 0 {
			// Roots need an edge from nil to be part of the sort.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range n.dependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]scheduler.TaskID, 0, len(sorted))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(scheduler.TaskID))
		}
	}
	if len(order) != len(g.nodes) {
		seen := make(map[scheduler.TaskID]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		var missing []string
		for id := range g.nodes {
			if !seen[id] {
				missing = append(missing, id.String())
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// Eligible returns up to limit pending tasks whose dependencies are all
// resolved, in insertion order. limit <= 0 means no limit.
func (g *Graph) Eligible(limit int) []scheduler.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []scheduler.Task
	firstPending := -1
	for i := g.pendingAt; i < len(g.order); i++ {
		n := g.nodes[g.order[i]]
		if n.state != NodePending {
			continue
		}
		if firstPending < 0 {
			firstPending = i
		}
		if !g.resolvedLocked(n) {
			continue
		}
		out = append(out, n.task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if firstPending < 0 {
		g.pendingAt = len(g.order)
	} else {
		g.pendingAt = firstPending
	}
	return out
}

func (g *Graph) resolvedLocked(n *node) bool {
	for _, dep := range n.dependsOn {
		d, ok := g.nodes[dep]
		if !ok {
			return false
		}
		switch d.state {
		case NodeCompleted:
		case NodeFailed:
			if d.mode != FailSoft {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// MarkRunning records that a task was dispatched.
func (g *Graph) MarkRunning(id scheduler.TaskID) error {
	return g.set(id, NodeRunning, FailHard, nil)
}

// MarkCompleted records a successful task.
func (g *Graph) MarkCompleted(id scheduler.TaskID) error {
	return g.set(id, NodeCompleted, FailHard, nil)
}

// MarkFailed records a failed task. Dependents of a FailSoft failure can
// still run; dependents of a FailHard failure never become eligible.
func (g *Graph) MarkFailed(id scheduler.TaskID, mode FailureMode, err error) error {
	return g.set(id, NodeFailed, mode, err)
}

// MarkCanceled records a canceled or aborted task.
func (g *Graph) MarkCanceled(id scheduler.TaskID) error {
	return g.set(id, NodeCanceled, FailHard, nil)
}

// Reset puts a task back to pending, e.g. after the task system handed it
// back on shutdown.
func (g *Graph) Reset(id scheduler.TaskID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.setLocked(id, NodePending, FailHard, nil); err != nil {
		return err
	}
	g.pendingAt = 0
	return nil
}

func (g *Graph) set(id scheduler.TaskID, state NodeState, mode FailureMode, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setLocked(id, state, mode, err)
}

func (g *Graph) setLocked(id scheduler.TaskID, state NodeState, mode FailureMode, err error) error {
	n, exists := g.nodes[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	n.state = state
	n.mode = mode
	n.err = err
	return nil
}

// DropPending cancels every pending node and returns how many were dropped.
func (g *Graph) DropPending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	dropped := 0
	for _, n := range g.nodes {
		if n.state == NodePending {
			n.state = NodeCanceled
			dropped++
		}
	}
	g.pendingAt = len(g.order)
	return dropped
}

// State returns the state of a task.
func (g *Graph) State(id scheduler.TaskID) (NodeState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return 0, false
	}
	return n.state, true
}

// Counts summarizes the graph.
func (g *Graph) Counts() GraphCounts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var c GraphCounts
	for _, n := range g.nodes {
		switch n.state {
		case NodePending:
			c.Pending++
		case NodeRunning:
			c.Running++
		case NodeCompleted:
			c.Completed++
		case NodeFailed:
			c.Failed++
		case NodeCanceled:
			c.Canceled++
		}
	}
	return c
}

// Outstanding returns the number of pending or running tasks.
func (g *Graph) Outstanding() int {
	c := g.Counts()
	return c.Pending + c.Running
}

// Len returns the number of tasks ever added.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// DropDependents cancels the pending tasks that transitively depend on id.
// Used when a task ends without output so its dependents can never run.
func (g *Graph) DropDependents(id scheduler.TaskID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	dropped := 0
	stack := append([]scheduler.TaskID(nil), g.dependents[id]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := g.nodes[next]
		if !ok || n.state != NodePending {
			continue
		}
		n.state = NodeCanceled
		dropped++
		stack = append(stack, g.dependents[next]...)
	}
	return dropped
}
