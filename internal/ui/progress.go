package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"monthlyload/internal/pipeline"
)

// RunProgress prints one line per finished task. Its Observe method is a
// pipeline.Observer.
type RunProgress struct {
	total     int
	done      int
	startTime time.Time
	mu        sync.Mutex
}

// NewRunProgress tracks a run of total SQL tasks.
func NewRunProgress(total int) *RunProgress {
	return &RunProgress{total: total, startTime: time.Now()}
}

// Observe renders the transition of one task. Markers and running
// transitions print nothing.
func (p *RunProgress) Observe(run pipeline.Run, result pipeline.TaskResult) {
	if result.TaskID == pipeline.TaskStart || result.TaskID == pipeline.TaskEnd {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch result.State {
	case pipeline.TaskSuccess:
		p.done++
		fmt.Fprintf(Output, "%s %s %-24s %s %s\n",
			ColorSuccess("✓"), p.counter(), result.TaskID,
			formatRows(result.Rows), ColorDim(formatDuration(result.End.Sub(result.Start))))
	case pipeline.TaskSkipped:
		p.done++
		fmt.Fprintf(Output, "%s %s %-24s %s\n", ColorDim("-"), p.counter(), result.TaskID, ColorDim("dry run"))
	case pipeline.TaskFailed:
		p.done++
		fmt.Fprintf(Output, "%s %s %-24s %s\n",
			ColorError("✗"), p.counter(), result.TaskID, ColorDim(formatDuration(result.End.Sub(result.Start))))
	case pipeline.TaskUpstreamFailed:
		p.done++
		fmt.Fprintf(Output, "%s %s %-24s %s\n", ColorWarning("!"), p.counter(), result.TaskID, ColorWarning("upstream failed"))
	}
}

// Finish prints the run summary.
func (p *RunProgress) Finish(result *pipeline.RunResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := formatDuration(time.Since(p.startTime))
	month := result.Run.TargetMonth.Format("2006-01")
	switch {
	case result.State == pipeline.RunSuccess && result.DryRun:
		fmt.Fprintf(Output, "\n%s Dry run for %s rendered in %s\n", ColorInfo("•"), month, elapsed)
	case result.State == pipeline.RunSuccess:
		fmt.Fprintf(Output, "\n%s Month %s loaded in %s\n", ColorSuccess("✓"), month, elapsed)
	default:
		fmt.Fprintf(Output, "\n%s Run for %s failed after %s (last milestone: %s)\n",
			ColorError("✗"), month, elapsed, orDash(result.Milestone))
	}
}

func (p *RunProgress) counter() string {
	return ColorProgress(fmt.Sprintf("[%d/%d]", p.done, p.total))
}

// Spinner represents an animated spinner for long operations
type Spinner struct {
	frames  []string
	current int
	message string
	stop    chan bool
	stopped bool
	mu      sync.Mutex
}

// NewSpinner creates a new spinner
func NewSpinner(message string) *Spinner {
	return &Spinner{
		frames:  []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		message: message,
		stop:    make(chan bool),
	}
}

// Start begins the animation. It draws nothing when output is not a terminal.
func (s *Spinner) Start() {
	if !supportsColor {
		return
	}
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.stopped {
					fmt.Fprintf(Output, "\r%s %s%s",
						ColorProgress(s.frames[s.current]),
						s.message,
						strings.Repeat(" ", 20),
					)
					s.current = (s.current + 1) % len(s.frames)
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Stop ends the animation and prints the final status. Calling it twice is a no-op.
func (s *Spinner) Stop(success bool, message string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()

	if supportsColor {
		fmt.Fprint(Output, "\r\033[K")
	}
	if success {
		fmt.Fprintf(Output, "%s %s\n", ColorSuccess("✓"), message)
	} else {
		fmt.Fprintf(Output, "%s %s\n", ColorError("✗"), message)
	}
}

func formatRows(rows int64) string {
	switch {
	case rows < 0:
		return "rows unknown"
	case rows == 1:
		return "1 row"
	default:
		return fmt.Sprintf("%d rows", rows)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
