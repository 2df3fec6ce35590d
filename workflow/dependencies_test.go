package workflow

import (
	"errors"
	"reflect"
	"testing"
)

func readyTask(id string, order int, deps ...string) Task {
	return Task{ID: id, Title: id, Order: order, Dependencies: deps, State: TaskStateReady}
}

func TestNewDependencyGraph_NoDependencies(t *testing.T) {
	tasks := []Task{
		readyTask("v1-003", 3),
		readyTask("v1-001", 1),
		readyTask("v1-002", 2),
	}

	graph, err := NewDependencyGraph(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// All tasks should be dispatchable immediately, in order.
	batch := graph.NextBatch(nil)
	want := []string{"v1-001", "v1-002", "v1-003"}
	if !reflect.DeepEqual(batch, want) {
		t.Errorf("NextBatch() = %v, want %v", batch, want)
	}
}

func TestNewDependencyGraph_LinearDependencies(t *testing.T) {
	tasks := []Task{
		readyTask("v1-001", 1),
		readyTask("v1-002", 2, "v1-001"),
		readyTask("v1-003", 3, "v1-002"),
	}

	graph, err := NewDependencyGraph(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := graph.TopologicalOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 tasks in order, got %d", len(order))
	}
	for i, id := range []string{"v1-001", "v1-002", "v1-003"} {
		if order[i].ID != id {
			t.Errorf("order[%d] = %s, want %s", i, order[i].ID, id)
		}
	}

	// Completing the first task unlocks only the second.
	tasks[0].State = TaskStateDone
	batch := graph.NextBatch(nil)
	if len(batch) != 1 || batch[0] != "v1-002" {
		t.Errorf("NextBatch() = %v, want [v1-002]", batch)
	}
}

func TestNewDependencyGraph_MultipleDependencies(t *testing.T) {
	// Task 3 depends on both task 1 and task 2
	tasks := []Task{
		readyTask("v1-001", 1),
		readyTask("v1-002", 2),
		readyTask("v1-003", 3, "v1-001", "v1-002"),
	}

	graph, err := NewDependencyGraph(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tasks[0].State = TaskStateDone
	for _, id := range graph.NextBatch(nil) {
		if id == "v1-003" {
			t.Fatal("v1-003 dispatched with v1-002 unfinished")
		}
	}

	tasks[1].State = TaskStateDone
	batch := graph.NextBatch(nil)
	if len(batch) != 1 || batch[0] != "v1-003" {
		t.Errorf("NextBatch() = %v, want [v1-003]", batch)
	}

	dependents := graph.Dependents("v1-001")
	if len(dependents) != 1 || dependents[0] != "v1-003" {
		t.Errorf("Dependents(v1-001) = %v, want [v1-003]", dependents)
	}
}

func TestNewDependencyGraph_Errors(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []Task
		wantErr error
	}{
		{
			name:    "missing dependency",
			tasks:   []Task{readyTask("v1-001", 1, "v1-404")},
			wantErr: ErrUnknownDependency,
		},
		{
			name:    "self dependency",
			tasks:   []Task{readyTask("v1-001", 1, "v1-001")},
			wantErr: ErrCycle,
		},
		{
			name: "three task cycle",
			tasks: []Task{
				readyTask("v1-001", 1, "v1-003"),
				readyTask("v1-002", 2, "v1-001"),
				readyTask("v1-003", 3, "v1-002"),
			},
			wantErr: ErrCycle,
		},
		{
			name:    "duplicate",
			tasks:   []Task{readyTask("v1-001", 1), readyTask("v1-001", 2)},
			wantErr: ErrDuplicateTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDependencyGraph(tt.tasks)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewDependencyGraph() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// A dependent task is never released before its dependency is DONE, even
// when both are READY.
func TestNextBatch_DependentWaits(t *testing.T) {
	tasks := []Task{
		readyTask("v1-001", 1),
		readyTask("v1-002", 2, "v1-001"),
	}

	batch, err := NextBatch(tasks, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(batch, []string{"v1-001"}) {
		t.Errorf("NextBatch() = %v, want [v1-001]", batch)
	}
}

func TestNextBatch_ExcludesInFlight(t *testing.T) {
	tasks := []Task{
		readyTask("v1-001", 1),
		readyTask("v1-002", 2),
	}

	batch, err := NextBatch(tasks, map[string]bool{"v1-001": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(batch, []string{"v1-002"}) {
		t.Errorf("NextBatch() = %v, want [v1-002]", batch)
	}
}

func TestNextBatch_EmptyWhileBlocked(t *testing.T) {
	tasks := []Task{
		{ID: "v1-001", Title: "a", Order: 1, State: TaskStateBlocked},
		readyTask("v1-002", 2, "v1-001"),
	}

	batch, err := NextBatch(tasks, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("NextBatch() = %v, want empty", batch)
	}
}

func TestNextBatch_OrderThenID(t *testing.T) {
	tasks := []Task{
		readyTask("v1-003", 1),
		readyTask("v1-001", 2),
		readyTask("v1-002", 1),
	}

	batch, err := NextBatch(tasks, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"v1-002", "v1-003", "v1-001"}
	if !reflect.DeepEqual(batch, want) {
		t.Errorf("NextBatch() = %v, want %v", batch, want)
	}
}
