package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const barWidth = 40

// Display periodically renders a Tracker to a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	lastLine string
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display after a final render
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render(false)
		case <-d.stopCh:
			d.render(true)
			return
		}
	}
}

func (d *Display) render(final bool) {
	status := d.tracker.GetStatus()
	if status.Updates == 0 && !final {
		return
	}

	line := RenderLine(status)
	if line == d.lastLine && !final {
		return
	}
	d.lastLine = line

	if final {
		fmt.Fprintf(d.out, "\r%s\n", line)
		return
	}
	fmt.Fprintf(d.out, "\r%s", line)
}

// RenderLine formats a single status line with a progress bar
func RenderLine(status Status) string {
	var b strings.Builder
	b.WriteString(ProgressBar(status.Percent, barWidth))
	if status.Stage != "" {
		b.WriteString(" [" + status.Stage + "]")
	}
	if status.Message != "" {
		b.WriteString(" " + status.Message)
	}
	b.WriteString(" (" + FormatDuration(status.LastUpdateTime.Sub(status.StartTime)) + ")")
	if len(status.Errors) > 0 {
		fmt.Fprintf(&b, " errors: %d", len(status.Errors))
	}
	return b.String()
}

// ProgressBar generates a visual progress bar
func ProgressBar(percent float64, width int) string {
	percent = clamp(percent)

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
