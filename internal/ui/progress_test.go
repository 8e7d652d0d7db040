package ui

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"monthlyload/internal/history"
	"monthlyload/internal/pipeline"
)

var progressRun = pipeline.Run{
	ID:          "scheduled__2024-04-01T06:00:00Z",
	LogicalDate: time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC),
	TargetMonth: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
}

func TestRunProgressObserve(t *testing.T) {
	buf := capture(t)
	p := NewRunProgress(5)

	start := time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)
	p.Observe(progressRun, pipeline.TaskResult{TaskID: pipeline.TaskStart, State: pipeline.TaskSuccess})
	p.Observe(progressRun, pipeline.TaskResult{TaskID: pipeline.TaskInsertOrders, State: pipeline.TaskRunning})
	p.Observe(progressRun, pipeline.TaskResult{
		TaskID: pipeline.TaskInsertOrders, State: pipeline.TaskSuccess, Rows: 1200,
		Start: start, End: start.Add(1500 * time.Millisecond),
	})
	p.Observe(progressRun, pipeline.TaskResult{
		TaskID: pipeline.TaskMergeCustomers, State: pipeline.TaskFailed,
		Start: start, End: start.Add(20 * time.Millisecond),
	})
	p.Observe(progressRun, pipeline.TaskResult{TaskID: pipeline.TaskMergeProducts, State: pipeline.TaskUpstreamFailed})

	out := buf.String()
	assert.Contains(t, out, "[1/5] RUN_INSERT_ORDERS")
	assert.Contains(t, out, "1200 rows 1.5s")
	assert.Contains(t, out, "[2/5] RUN_INSERT_CUSTOMERS")
	assert.Contains(t, out, "20ms")
	assert.Contains(t, out, "[3/5] RUN_INSERT_PRODUCTS")
	assert.Contains(t, out, "upstream failed")
	assert.NotContains(t, out, pipeline.TaskStart+" ")
}

func TestRunProgressFinish(t *testing.T) {
	tests := []struct {
		name   string
		result pipeline.RunResult
		want   string
	}{
		{
			name:   "success",
			result: pipeline.RunResult{Run: progressRun, State: pipeline.RunSuccess},
			want:   "Month 2024-03 loaded in",
		},
		{
			name:   "dry run",
			result: pipeline.RunResult{Run: progressRun, State: pipeline.RunSuccess, DryRun: true},
			want:   "Dry run for 2024-03 rendered in",
		},
		{
			name:   "failure",
			result: pipeline.RunResult{Run: progressRun, State: pipeline.RunFailed, Milestone: pipeline.MilestoneOrdersLoaded},
			want:   "(last milestone: ordersLoaded)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			NewRunProgress(5).Finish(&tt.result)
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestSpinnerWithoutTerminal(t *testing.T) {
	buf := capture(t)

	s := NewSpinner("Connecting")
	s.Start()
	s.Stop(true, "Connected")
	s.Stop(false, "ignored")

	assert.Equal(t, "✓ Connected\n", buf.String())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.d))
		})
	}
}

func TestRenderRunsAndTasks(t *testing.T) {
	capture(t)

	start := time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Minute)
	rec := &history.RunRecord{
		LogicalDate:  "2024-04-01",
		TargetMonth:  "2024-03",
		Attempt:      2,
		State:        pipeline.RunFailed,
		Milestone:    pipeline.MilestoneCustomersUpserted,
		StartTime:    start,
		EndTime:      &end,
		ErrorMessage: "[MLE3001] CRITICAL: Task RUN_INSERT_PRODUCTS failed",
		Tasks: []history.TaskRecord{
			{ID: pipeline.TaskInsertOrders, State: pipeline.TaskSuccess, Rows: 40, StartTime: &start, EndTime: &end},
			{ID: pipeline.TaskMergeCustomers, State: pipeline.TaskSuccess, Rows: -1},
			{ID: pipeline.TaskMergeProducts, State: pipeline.TaskFailed, ErrorMessage: "denied"},
		},
	}
	assert.Equal(t, int64(40), rec.Rows())

	var runs bytes.Buffer
	RenderRuns(&runs, []*history.RunRecord{rec})
	out := runs.String()
	for _, want := range []string{"Logical date", "2024-04-01", "2024-03", "failed", "customersUpserted", "40", "3m0s"} {
		assert.Contains(t, out, want)
	}

	var tasks bytes.Buffer
	RenderTasks(&tasks, rec)
	out = tasks.String()
	assert.Contains(t, out, "RUN_INSERT_ORDERS")
	assert.Contains(t, out, "denied")
	assert.Contains(t, out, "3m0s")
}

func TestRowCount(t *testing.T) {
	assert.Equal(t, "0", rowCount(0))
	assert.Equal(t, "1200", rowCount(1200))
	assert.Equal(t, "?", rowCount(-1))
}

func TestRenderPlan(t *testing.T) {
	capture(t)

	graph, err := pipeline.NewMonthlyLoad(pipeline.Tables{
		StagingOrders:  "STG.raw_data.ORDERS",
		Orders:         "transformed.public.ORDERS",
		SubcategoryMap: "transformed.public.PRODUCT_SUBCATEGORY_MAP",
		Customers:      "transformed.public.customers",
		Products:       "transformed.public.products",
		Geography:      "transformed.public.geography",
		FactOrders:     "transformed.public.fact_orders",
	}, 1)
	assert.NoError(t, err)

	var buf bytes.Buffer
	RenderPlan(&buf, graph)
	out := buf.String()
	for i, task := range graph.Tasks() {
		assert.Contains(t, out, fmt.Sprintf("%d", i+1))
		assert.Contains(t, out, task.ID)
	}
	assert.Contains(t, out, "geographyUpserted")
}

func TestRenderCountsAndTruncate(t *testing.T) {
	capture(t)

	var buf bytes.Buffer
	RenderCounts(&buf, []CountRow{{Check: "non_positive_profit", Count: 7, Description: "excluded by Profit > 0"}})
	assert.Contains(t, buf.String(), "non_positive_profit")
	assert.Contains(t, buf.String(), "7")

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}
