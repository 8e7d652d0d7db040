package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monthlyload/pkg/errors"
)

func TestNewMonthlyLoadOrder(t *testing.T) {
	g, err := NewMonthlyLoad(testTables(), 1)
	require.NoError(t, err)

	assert.Equal(t, GraphID, g.ID)
	assert.Equal(t,
		"start >> RUN_INSERT_ORDERS >> RUN_INSERT_CUSTOMERS >> RUN_INSERT_PRODUCTS >> RUN_INSERT_GEOGRAPHY >> RUN_INSERT_FACT_ORDER >> end",
		g.String())

	tasks := g.Tasks()
	require.Len(t, tasks, 7)
	assert.True(t, tasks[0].IsNoop())
	assert.True(t, tasks[6].IsNoop())
	for _, task := range tasks[1:6] {
		assert.False(t, task.IsNoop(), task.ID)
	}

	milestones := make([]string, len(tasks))
	for i, task := range tasks {
		milestones[i] = task.Milestone
	}
	assert.Equal(t, []string{
		MilestoneStarted,
		MilestoneOrdersLoaded,
		MilestoneCustomersUpserted,
		MilestoneProductsUpserted,
		MilestoneGeographyUpserted,
		MilestoneFactLoaded,
		MilestoneEnd,
	}, milestones)

	fact, ok := g.Task(TaskMergeFactOrders)
	require.True(t, ok)
	assert.Equal(t, []string{TaskMergeGeography}, fact.Depends)
}

func TestNewMonthlyLoadRejectsBadTables(t *testing.T) {
	tables := testTables()
	tables.Orders = "orders; DELETE FROM x"

	_, err := NewMonthlyLoad(tables, 1)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetErrorCode(err))
}

func TestTasksReturnsCopy(t *testing.T) {
	g, err := NewMonthlyLoad(testTables(), 1)
	require.NoError(t, err)

	tasks := g.Tasks()
	tasks[0] = nil
	assert.NotNil(t, g.Tasks()[0])
}

func TestNewGraphValidation(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*Task
		wantErr string
	}{
		{
			name:    "empty",
			tasks:   nil,
			wantErr: "graph has no tasks",
		},
		{
			name:    "duplicate id",
			tasks:   []*Task{{ID: "a"}, {ID: "a", Depends: []string{"a"}}},
			wantErr: "duplicate task id a",
		},
		{
			name:    "empty id",
			tasks:   []*Task{{ID: ""}},
			wantErr: "task with empty id",
		},
		{
			name:    "two roots",
			tasks:   []*Task{{ID: "a"}, {ID: "b"}},
			wantErr: "tasks a and b both have no upstream",
		},
		{
			name:    "unknown dependency",
			tasks:   []*Task{{ID: "a"}, {ID: "b", Depends: []string{"z"}}},
			wantErr: "task b depends on unknown task z",
		},
		{
			name: "fan out",
			tasks: []*Task{
				{ID: "a"},
				{ID: "b", Depends: []string{"a"}},
				{ID: "c", Depends: []string{"a"}},
			},
			wantErr: "task a fans out to b and c",
		},
		{
			name: "fan in",
			tasks: []*Task{
				{ID: "a"},
				{ID: "b", Depends: []string{"a"}},
				{ID: "c", Depends: []string{"a", "b"}},
			},
			wantErr: "task c has 2 upstream tasks",
		},
		{
			name: "detached cycle",
			tasks: []*Task{
				{ID: "a"},
				{ID: "b", Depends: []string{"c"}},
				{ID: "c", Depends: []string{"b"}},
			},
			wantErr: "graph contains tasks unreachable from the root",
		},
		{
			name: "no root",
			tasks: []*Task{
				{ID: "a", Depends: []string{"b"}},
				{ID: "b", Depends: []string{"a"}},
			},
			wantErr: "graph has no root task",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGraph("test", tt.tasks)
			require.Error(t, err)
			assert.Nil(t, g)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidGraph))
		})
	}
}

func TestNewGraphOrdersByDependency(t *testing.T) {
	g, err := NewGraph("test", []*Task{
		{ID: "c", Depends: []string{"b"}},
		{ID: "a"},
		{ID: "b", Depends: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a >> b >> c", g.String())
}
