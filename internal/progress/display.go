package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Display prints drain progress to a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a new progress display writing to out
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

// Stop stops the display and prints the final summary
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, d.progressLine(d.tracker.GetStatus()))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(Summary(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

func (d *Display) progressLine(status Status) string {
	percent := d.tracker.GetProgressPercent()
	return fmt.Sprintf("%s %d/%d  done=%d failed=%d requeued=%d",
		generateProgressBar(percent, 30), status.Processed, status.Total,
		status.Done, status.Failed, status.Requeued)
}

// Summary renders the final drain summary lines
func Summary(status Status) []string {
	elapsed := status.LastUpdateTime.Sub(status.StartTime)
	return []string{
		"Sync finished",
		strings.Repeat("=", 40),
		fmt.Sprintf("Attempted: %d of %d", status.Processed, status.Total),
		fmt.Sprintf("Done:      %d", status.Done),
		fmt.Sprintf("Failed:    %d", status.Failed),
		fmt.Sprintf("Requeued:  %d", status.Requeued),
		fmt.Sprintf("Elapsed:   %s", FormatDuration(elapsed)),
	}
}

func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
