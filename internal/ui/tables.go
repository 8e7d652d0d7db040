package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"monthlyload/internal/history"
	"monthlyload/internal/pipeline"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}

// StateLabel colors a run or task state.
func StateLabel(state string) string {
	if !supportsColor {
		return state
	}
	switch state {
	case string(pipeline.RunSuccess):
		return color.GreenString(state)
	case string(pipeline.RunFailed):
		return color.RedString(state)
	case string(pipeline.TaskUpstreamFailed):
		return color.YellowString(state)
	case string(pipeline.RunRunning):
		return color.CyanString(state)
	default:
		return color.New(color.Faint).Sprint(state)
	}
}

// RenderRuns writes one row per run record.
func RenderRuns(w io.Writer, runs []*history.RunRecord) {
	table := newTable(w, []string{"Logical date", "Target month", "State", "Attempt", "Milestone", "Rows", "Duration", "Error"})

	for _, r := range runs {
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = formatDuration(d)
		}
		table.Append([]string{
			r.LogicalDate,
			r.TargetMonth,
			StateLabel(string(r.State)),
			fmt.Sprintf("%d", r.Attempt),
			orDash(r.Milestone),
			fmt.Sprintf("%d", r.Rows()),
			duration,
			truncate(r.ErrorMessage, 60),
		})
	}

	table.Render()
}

// RenderTasks writes the task states of one run record.
func RenderTasks(w io.Writer, run *history.RunRecord) {
	table := newTable(w, []string{"Task", "State", "Rows", "Duration", "Error"})

	for _, t := range run.Tasks {
		duration := "-"
		if t.StartTime != nil && t.EndTime != nil {
			duration = formatDuration(t.EndTime.Sub(*t.StartTime))
		}
		table.Append([]string{
			t.ID,
			StateLabel(string(t.State)),
			rowCount(t.Rows),
			duration,
			truncate(t.ErrorMessage, 60),
		})
	}

	table.Render()
}

// RenderPlan writes the task chain of graph, one row per task.
func RenderPlan(w io.Writer, graph *pipeline.Graph) {
	table := newTable(w, []string{"#", "Task", "Upstream", "Milestone", "Description"})

	for i, t := range graph.Tasks() {
		upstream := "-"
		if len(t.Depends) > 0 {
			upstream = strings.Join(t.Depends, ", ")
		}
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			t.ID,
			upstream,
			t.Milestone,
			t.Description,
		})
	}

	table.Render()
}

// CountRow is one line of a diagnostic table.
type CountRow struct {
	Check       string
	Count       int64
	Description string
}

// RenderCounts writes diagnostic counts; non-zero counts are highlighted.
func RenderCounts(w io.Writer, rows []CountRow) {
	table := newTable(w, []string{"Check", "Rows", "Meaning"})

	for _, r := range rows {
		count := fmt.Sprintf("%d", r.Count)
		if r.Count > 0 && supportsColor {
			count = color.YellowString(count)
		}
		table.Append([]string{r.Check, count, r.Description})
	}

	table.Render()
}

func rowCount(rows int64) string {
	if rows < 0 {
		return "?"
	}
	return fmt.Sprintf("%d", rows)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
