// Package metrics exports run outcomes in the Prometheus text format, for
// the node_exporter textfile collector.
package metrics

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"monthlyload/internal/pipeline"
	"monthlyload/pkg/errors"
)

// Prefix is prepended to every metric name.
const Prefix = "monthlyload"

// Gauge is one sample of a named metric.
type Gauge struct {
	Name   string
	Help   string
	Labels map[string]string
	Value  float64
}

// Registry collects gauges. Samples sharing a name share HELP and TYPE lines.
type Registry struct {
	mu     sync.Mutex
	gauges map[string][]Gauge
	help   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		gauges: make(map[string][]Gauge),
		help:   make(map[string]string),
	}
}

// Set records a sample, replacing an earlier one with the same labels.
func (r *Registry) Set(name, help string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = Prefix + "_" + name
	if _, ok := r.help[name]; !ok {
		r.help[name] = help
	}

	key := formatLabels(labels)
	samples := r.gauges[name]
	for i := range samples {
		if formatLabels(samples[i].Labels) == key {
			samples[i].Value = value
			return
		}
	}
	r.gauges[name] = append(samples, Gauge{Name: name, Help: help, Labels: labels, Value: value})
}

// Value returns the sample of name with labels.
func (r *Registry) Value(name string, labels map[string]string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := formatLabels(labels)
	for _, g := range r.gauges[Prefix+"_"+name] {
		if formatLabels(g.Labels) == key {
			return g.Value, true
		}
	}
	return 0, false
}

// WriteTo writes every metric, sorted by name and labels.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.gauges))
	for name := range r.gauges {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		samples := append([]Gauge(nil), r.gauges[name]...)
		sort.Slice(samples, func(i, j int) bool {
			return formatLabels(samples[i].Labels) < formatLabels(samples[j].Labels)
		})

		fmt.Fprintf(&buf, "# HELP %s %s\n", name, r.help[name])
		fmt.Fprintf(&buf, "# TYPE %s gauge\n", name)
		for _, g := range samples {
			fmt.Fprintf(&buf, "%s%s %g\n", name, formatLabels(g.Labels), g.Value)
		}
	}
	r.mu.Unlock()

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// WriteFile replaces path atomically so the collector never reads a partial file.
func (r *Registry) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create metrics directory").
			WithContext("path", path)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write metrics").
			WithContext("path", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := r.WriteTo(tmp); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write metrics").
			WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write metrics").
			WithContext("path", path)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write metrics").
			WithContext("path", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write metrics").
			WithContext("path", path)
	}
	return nil
}

// FromResult describes the outcome of a finished run.
func FromResult(result *pipeline.RunResult) *Registry {
	r := NewRegistry()
	run := result.Run

	success := 0.0
	if result.State == pipeline.RunSuccess {
		success = 1
	}
	r.Set("run_success", "Whether the last run succeeded.", nil, success)
	r.Set("run_logical_date_seconds", "Logical date of the last run as a Unix timestamp.", nil,
		float64(run.LogicalDate.Unix()))
	r.Set("run_target_month_seconds", "First day of the month loaded by the last run as a Unix timestamp.", nil,
		float64(run.TargetMonth.Unix()))

	var end float64
	for _, t := range result.Tasks {
		if !t.End.IsZero() && float64(t.End.Unix()) > end {
			end = float64(t.End.Unix())
		}

		labels := map[string]string{"task": t.TaskID}
		r.Set("task_state", "State of each task in the last run; 1 for the current state.",
			map[string]string{"task": t.TaskID, "state": string(t.State)}, 1)
		if t.State == pipeline.TaskSuccess && !t.Start.IsZero() {
			// A negative count means the warehouse did not report one.
			if t.Rows >= 0 {
				r.Set("task_rows", "Rows inserted by each task in the last run.", labels, float64(t.Rows))
			}
			r.Set("task_duration_seconds", "Duration of each task in the last run.", labels,
				t.End.Sub(t.Start).Seconds())
		}
	}
	if end > 0 {
		r.Set("run_end_seconds", "End of the last run as a Unix timestamp.", nil, end)
	}
	return r
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf(`%s="%s"`, k, escape(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escape(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
}
