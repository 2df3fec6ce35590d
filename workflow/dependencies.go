package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// DependencyGraph manages task dependencies and determines execution order.
// All methods are safe for concurrent use.
type DependencyGraph struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	inDegree   map[string]int      // Number of dependencies per task
	dependents map[string][]string // Tasks that depend on this task
}

// NewDependencyGraph creates a dependency graph from a list of tasks. It fails
// if a dependency references a task outside the list or if the graph has a cycle.
func NewDependencyGraph(tasks []Task) (*DependencyGraph, error) {
	g := &DependencyGraph{
		tasks:      make(map[string]*Task, len(tasks)),
		inDegree:   make(map[string]int, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	// Index tasks by ID
	for i := range tasks {
		t := &tasks[i]
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		g.tasks[t.ID] = t
		g.inDegree[t.ID] = 0
		g.dependents[t.ID] = nil
	}

	// Build dependency relationships
	for _, t := range tasks {
		for _, depID := range t.Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, depID)
			}
			if depID == t.ID {
				return nil, fmt.Errorf("%w: task %s depends on itself", ErrCycle, t.ID)
			}
			g.inDegree[t.ID]++
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles uses Kahn's algorithm to detect cycles in the dependency graph.
func (g *DependencyGraph) detectCycles() error {
	order := g.kahn()
	if len(order) != len(g.tasks) {
		return fmt.Errorf("%w: %d tasks could not be ordered", ErrCycle, len(g.tasks)-len(order))
	}
	return nil
}

// kahn returns task ids in topological order. Ties are broken by (order, id)
// so the result is deterministic.
func (g *DependencyGraph) kahn() []string {
	tempDegree := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		tempDegree[id] = deg
	}

	var queue []string
	for id, deg := range tempDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	g.sortIDs(queue)

	order := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		order = append(order, taskID)

		var unlocked []string
		for _, depID := range g.dependents[taskID] {
			tempDegree[depID]--
			if tempDegree[depID] == 0 {
				unlocked = append(unlocked, depID)
			}
		}
		g.sortIDs(unlocked)
		queue = append(queue, unlocked...)
	}
	return order
}

func (g *DependencyGraph) sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.tasks[ids[i]], g.tasks[ids[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

// TopologicalOrder returns tasks in topological order (dependencies first).
func (g *DependencyGraph) TopologicalOrder() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := g.kahn()
	order := make([]*Task, 0, len(ids))
	for _, id := range ids {
		order = append(order, g.tasks[id])
	}
	return order
}

// Dependents returns the ids of tasks that directly depend on id.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.dependents[id]...)
}

// NextBatch returns every READY task whose dependencies are all DONE,
// excluding ids already dispatched in an in-flight batch. The result is sorted
// by (order, id). An empty result while READY or BLOCKED tasks remain is an
// expected pause, not a deadlock.
func (g *DependencyGraph) NextBatch(inFlight map[string]bool) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var batch []string
	for id, t := range g.tasks {
		if t.State != TaskStateReady || inFlight[id] {
			continue
		}
		if g.dependenciesDone(t) {
			batch = append(batch, id)
		}
	}
	g.sortIDs(batch)
	return batch
}

func (g *DependencyGraph) dependenciesDone(t *Task) bool {
	for _, dep := range t.Dependencies {
		if g.tasks[dep].State != TaskStateDone {
			return false
		}
	}
	return true
}

// NextBatch computes the next executable batch for a version's task set.
func NextBatch(tasks []Task, inFlight map[string]bool) ([]string, error) {
	g, err := NewDependencyGraph(tasks)
	if err != nil {
		return nil, err
	}
	return g.NextBatch(inFlight), nil
}
