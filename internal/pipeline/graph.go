// Package pipeline defines the monthly orders load as a linear graph of
// tasks and runs it against the warehouse one statement at a time.
package pipeline

import (
	"fmt"
	"strings"

	"monthlyload/pkg/errors"
)

// Task ids. They are stable: run history and logs refer to them.
const (
	TaskStart           = "start"
	TaskInsertOrders    = "RUN_INSERT_ORDERS"
	TaskMergeCustomers  = "RUN_INSERT_CUSTOMERS"
	TaskMergeProducts   = "RUN_INSERT_PRODUCTS"
	TaskMergeGeography  = "RUN_INSERT_GEOGRAPHY"
	TaskMergeFactOrders = "RUN_INSERT_FACT_ORDER"
	TaskEnd             = "end"
)

// Task is one node of the graph. A task without SQL is a no-op marker.
type Task struct {
	ID          string
	Description string
	// Milestone names the run state reached once the task succeeds.
	Milestone string
	SQL       string
	// Bind returns the statement arguments for a run.
	Bind    func(run Run) []interface{}
	Depends []string
}

// IsNoop reports whether the task executes no statement.
func (t *Task) IsNoop() bool {
	return strings.TrimSpace(t.SQL) == ""
}

// Statement returns the SQL and arguments the task issues for run.
func (t *Task) Statement(run Run) Statement {
	st := Statement{SQL: t.SQL}
	if t.Bind != nil {
		st.Args = t.Bind(run)
	}
	return st
}

// Graph is a validated, strictly linear task graph.
type Graph struct {
	ID    string
	order []*Task
	byID  map[string]*Task
}

// NewGraph validates tasks and their dependencies: ids are unique, every
// dependency exists, there is exactly one root and every task has at most
// one upstream and one downstream task.
func NewGraph(id string, tasks []*Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, invalidGraph(id, "graph has no tasks")
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, invalidGraph(id, "task with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, invalidGraph(id, fmt.Sprintf("duplicate task id %s", t.ID))
		}
		byID[t.ID] = t
	}

	downstream := make(map[string]string, len(tasks))
	var root *Task
	for _, t := range tasks {
		switch len(t.Depends) {
		case 0:
			if root != nil {
				return nil, invalidGraph(id, fmt.Sprintf("tasks %s and %s both have no upstream", root.ID, t.ID))
			}
			root = t
		case 1:
			up := t.Depends[0]
			if _, ok := byID[up]; !ok {
				return nil, invalidGraph(id, fmt.Sprintf("task %s depends on unknown task %s", t.ID, up))
			}
			if other, taken := downstream[up]; taken {
				return nil, invalidGraph(id, fmt.Sprintf("task %s fans out to %s and %s", up, other, t.ID))
			}
			downstream[up] = t.ID
		default:
			return nil, invalidGraph(id, fmt.Sprintf("task %s has %d upstream tasks", t.ID, len(t.Depends)))
		}
	}
	if root == nil {
		return nil, invalidGraph(id, "graph has no root task")
	}

	order := make([]*Task, 0, len(tasks))
	for cur, ok := root.ID, true; ok; cur, ok = downstream[cur] {
		order = append(order, byID[cur])
		if len(order) > len(tasks) {
			return nil, invalidGraph(id, "graph contains a cycle")
		}
	}
	if len(order) != len(tasks) {
		return nil, invalidGraph(id, "graph contains tasks unreachable from the root")
	}

	return &Graph{ID: id, order: order, byID: byID}, nil
}

// Chain links tasks in the given order and validates the result.
func Chain(id string, tasks ...*Task) (*Graph, error) {
	for i, t := range tasks {
		t.Depends = nil
		if i > 0 {
			t.Depends = []string{tasks[i-1].ID}
		}
	}
	return NewGraph(id, tasks)
}

// Tasks returns the tasks in execution order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, len(g.order))
	copy(out, g.order)
	return out
}

// Task looks up a task by id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.byID[id]
	return t, ok
}

// String renders the chain as "a >> b >> c".
func (g *Graph) String() string {
	ids := make([]string, len(g.order))
	for i, t := range g.order {
		ids[i] = t.ID
	}
	return strings.Join(ids, " >> ")
}

func invalidGraph(id, reason string) error {
	return errors.New(errors.ErrCodeInvalidGraph, reason).WithContext("graph", id)
}
