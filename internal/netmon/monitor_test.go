package netmon

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeCounter struct {
	count int
	err   error
}

func (f *fakeCounter) PendingCount() (int, error) {
	return f.count, f.err
}

func newTestMonitor(count int) (*Monitor, chan struct{}) {
	triggered := make(chan struct{}, 10)
	m := New(&fakeCounter{count: count}, func() { triggered <- struct{}{} }, zap.NewNop())
	return m, triggered
}

func expectTriggers(t *testing.T, triggered chan struct{}, want int) {
	t.Helper()
	deadline := time.After(500 * time.Millisecond)
	got := 0
	for got < want {
		select {
		case <-triggered:
			got++
		case <-deadline:
			t.Fatalf("Expected %d triggers, got %d", want, got)
		}
	}
	select {
	case <-triggered:
		t.Fatalf("Expected exactly %d triggers, got more", want)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorInitialState(t *testing.T) {
	m, _ := newTestMonitor(0)
	if m.IsInitialized() {
		t.Error("Expected monitor to start uninitialized")
	}
	if m.IsOnline() {
		t.Error("Expected monitor to start offline")
	}

	m.Set(false)
	if !m.IsInitialized() {
		t.Error("Expected monitor to be initialized after first reading")
	}
}

func TestMonitorTriggersOnReconnect(t *testing.T) {
	m, triggered := newTestMonitor(3)

	m.Set(false)
	m.Set(true)
	expectTriggers(t, triggered, 1)

	// repeated online readings are not edges
	m.Set(true)
	m.Set(true)
	expectTriggers(t, triggered, 0)

	m.Set(false)
	m.Set(true)
	expectTriggers(t, triggered, 1)
}

func TestMonitorNoTriggerWhenStartingOnline(t *testing.T) {
	m, triggered := newTestMonitor(5)
	m.Set(true)
	expectTriggers(t, triggered, 0)
}

func TestMonitorNoTriggerWithoutPending(t *testing.T) {
	m, triggered := newTestMonitor(0)
	m.Set(false)
	m.Set(true)
	expectTriggers(t, triggered, 0)
}

func TestMonitorNoTriggerOnCountError(t *testing.T) {
	triggered := make(chan struct{}, 1)
	m := New(&fakeCounter{err: errors.New("disk gone")}, func() { triggered <- struct{}{} }, zap.NewNop())
	m.Set(false)
	m.Set(true)
	expectTriggers(t, triggered, 0)
}

func TestMonitorSubscribe(t *testing.T) {
	m, _ := newTestMonitor(0)
	ch, cancel := m.Subscribe()

	m.Set(false)
	m.Set(true)

	// a slow subscriber sees only the latest state
	select {
	case s := <-ch:
		if !s.Online || !s.Initialized {
			t.Errorf("Expected latest state online, got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a state on the subscription")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after cancel")
	}
	cancel()

	// late subscribers get the current state immediately
	late, cancelLate := m.Subscribe()
	defer cancelLate()
	if s := <-late; !s.Online {
		t.Errorf("Expected current state online, got %+v", s)
	}
}

type recorder struct {
	mu       sync.Mutex
	readings []bool
}

func (r *recorder) Set(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, online)
}

func (r *recorder) last() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.readings) == 0 {
		return false, false
	}
	return r.readings[len(r.readings)-1], true
}

func waitFor(t *testing.T, r *recorder, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := r.last(); ok && got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, ok := r.last()
	t.Fatalf("Expected reading %v, got %v (any=%v)", want, got, ok)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net", "state")
	r := &recorder{}

	src, err := NewFileSource(path, r, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create file source: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Failed to start file source: %v", err)
	}
	defer src.Stop()

	if _, ok := r.last(); ok {
		t.Error("Expected no reading before the file exists")
	}

	if err := os.WriteFile(path, []byte("offline\n"), 0644); err != nil {
		t.Fatalf("Failed to write state file: %v", err)
	}
	waitFor(t, r, false)

	if err := os.WriteFile(path, []byte("online\n"), 0644); err != nil {
		t.Fatalf("Failed to write state file: %v", err)
	}
	waitFor(t, r, true)
}

func TestFileSourceReadsInitialContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := os.WriteFile(path, []byte("online"), 0644); err != nil {
		t.Fatalf("Failed to write state file: %v", err)
	}

	m, _ := newTestMonitor(0)
	src, err := NewFileSource(path, m, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create file source: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Failed to start file source: %v", err)
	}
	defer src.Stop()

	if !m.IsInitialized() || !m.IsOnline() {
		t.Errorf("Expected initial reading online, got %+v", m.State())
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"online", true, false},
		{" ONLINE\n", true, false},
		{"1", true, false},
		{"offline", false, false},
		{"down", false, false},
		{"", false, true},
		{"maybe", false, true},
	}

	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseState(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseState(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
