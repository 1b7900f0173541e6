package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the progress of the current or last drain
type Status struct {
	Total          int64     // actions listed so far in this drain
	Processed      int64     // actions attempted so far
	Done           int64     // actions accepted by the server
	Failed         int64     // actions marked failed
	Requeued       int64     // actions put back to pending
	CurrentAction  string    // id of the action in flight
	StartTime      time.Time // drain start
	LastUpdateTime time.Time
	Running        bool
}

// Tracker tracks drain progress
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Start resets the tracker for a drain over total actions
func (t *Tracker) Start(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.status = Status{
		Total:          int64(total),
		StartTime:      now,
		LastUpdateTime: now,
		Running:        true,
	}
}

// AddTotal grows the total when a drain picks up actions enqueued after it
// started
func (t *Tracker) AddTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Total += int64(n)
	t.status.LastUpdateTime = time.Now()
}

// Begin records the action currently being synced
func (t *Tracker) Begin(actionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.CurrentAction = actionID
	t.status.LastUpdateTime = time.Now()
}

// AddDone increments the done count
func (t *Tracker) AddDone() {
	t.record(func(s *Status) { s.Done++ })
}

// AddFailed increments the failed count
func (t *Tracker) AddFailed() {
	t.record(func(s *Status) { s.Failed++ })
}

// AddRequeued increments the requeued count
func (t *Tracker) AddRequeued() {
	t.record(func(s *Status) { s.Requeued++ })
}

func (t *Tracker) record(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.status)
	t.status.Processed++
	t.status.CurrentAction = ""
	t.status.LastUpdateTime = time.Now()
}

// Finish marks the drain as no longer running
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Running = false
	t.status.CurrentAction = ""
	t.status.LastUpdateTime = time.Now()
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the share of listed actions already attempted
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.Total == 0 {
		return 0
	}

	return float64(t.status.Processed) / float64(t.status.Total) * 100
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	} else if seconds > 0 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
