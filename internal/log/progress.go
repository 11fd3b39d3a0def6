package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressIndicator renders a single-line progress bar for long batch jobs
// such as CSV replays. It writes nothing when out is nil.
type ProgressIndicator struct {
	mu        sync.Mutex
	out       io.Writer
	name      string
	total     int
	current   int
	every     int
	startTime time.Time
	now       func() time.Time
}

// NewProgressIndicator creates an indicator that redraws every `every`
// increments. total may be zero when unknown.
func NewProgressIndicator(out io.Writer, name string, total, every int) *ProgressIndicator {
	if every <= 0 {
		every = 1
	}
	return &ProgressIndicator{
		out:       out,
		name:      name,
		total:     total,
		every:     every,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Increment advances progress by one step
func (pi *ProgressIndicator) Increment() {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	pi.current++
	if pi.current%pi.every == 0 || pi.current == pi.total {
		pi.print(pi.render())
	}
}

// Current returns the number of completed steps.
func (pi *ProgressIndicator) Current() int {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.current
}

// Finish completes the progress indicator
func (pi *ProgressIndicator) Finish(message string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	duration := pi.now().Sub(pi.startTime).Round(time.Millisecond)
	pi.print(fmt.Sprintf("\r\033[K%s: %s (%d items, %v)\n", pi.name, message, pi.current, duration))
}

// Fail marks the progress as failed
func (pi *ProgressIndicator) Fail(reason string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	duration := pi.now().Sub(pi.startTime).Round(time.Millisecond)
	pi.print(fmt.Sprintf("\r\033[K%s failed: %s (%v)\n", pi.name, reason, duration))
}

func (pi *ProgressIndicator) print(s string) {
	if pi.out == nil {
		return
	}
	fmt.Fprint(pi.out, s)
}

// render must be called with mu held.
func (pi *ProgressIndicator) render() string {
	var output strings.Builder

	output.WriteString("\r\033[K")
	output.WriteString(pi.name)

	if pi.total > 0 {
		const barWidth = 20
		current := pi.current
		if current > pi.total {
			current = pi.total
		}
		filled := barWidth * current / pi.total
		percentage := float64(current) / float64(pi.total) * 100

		output.WriteString(" [")
		output.WriteString(strings.Repeat("█", filled))
		output.WriteString(strings.Repeat("░", barWidth-filled))
		output.WriteString(fmt.Sprintf("] %d/%d (%.1f%%)", current, pi.total, percentage))

		if elapsed := pi.now().Sub(pi.startTime); current > 0 && elapsed > 0 {
			rate := float64(current) / elapsed.Seconds()
			eta := time.Duration(float64(pi.total-current)/rate) * time.Second
			output.WriteString(fmt.Sprintf(" ETA: %v", eta.Round(time.Second)))
		}
	} else {
		output.WriteString(fmt.Sprintf(" (%d)", pi.current))
	}

	return output.String()
}
