// Package netmon tracks whether the backend is reachable and triggers a
// drain on every offline to online transition.
package netmon

import (
	"sync"

	"go.uber.org/zap"
)

// State is a connectivity reading. Initialized is false until the first
// reading arrives, so consumers can tell "offline" from "not yet known".
type State struct {
	Online      bool
	Initialized bool
}

// PendingCounter reports how many actions wait for sync
type PendingCounter interface {
	PendingCount() (int, error)
}

// Monitor holds the shared connectivity state. It is written by a single
// platform source and read by many.
type Monitor struct {
	pending     PendingCounter
	onReconnect func()
	logger      *zap.Logger

	mu      sync.RWMutex
	state   State
	subs    map[int]chan State
	nextSub int
}

// New creates a monitor. onReconnect runs in its own goroutine on each
// offline to online edge while actions are pending.
func New(pending PendingCounter, onReconnect func(), logger *zap.Logger) *Monitor {
	return &Monitor{
		pending:     pending,
		onReconnect: onReconnect,
		logger:      logger,
		subs:        make(map[int]chan State),
	}
}

// State returns the current reading
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports the last known connectivity
func (m *Monitor) IsOnline() bool {
	return m.State().Online
}

// IsInitialized reports whether a reading has arrived yet
func (m *Monitor) IsInitialized() bool {
	return m.State().Initialized
}

// Set records a connectivity reading from the platform
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	prev := m.state
	m.state = State{Online: online, Initialized: true}
	if prev != m.state {
		m.broadcast(m.state)
	}
	m.mu.Unlock()

	if prev.Online != online || !prev.Initialized {
		m.logger.Info("Connectivity changed",
			zap.Bool("online", online),
			zap.Bool("first_reading", !prev.Initialized),
		)
	}

	// only a real offline -> online edge counts, not the first reading
	if !prev.Initialized || prev.Online || !online {
		return
	}

	count, err := m.pending.PendingCount()
	if err != nil {
		m.logger.Error("Failed to read pending count on reconnect", zap.Error(err))
		return
	}
	if count == 0 || m.onReconnect == nil {
		return
	}

	m.logger.Info("Back online with pending actions, starting sync", zap.Int("pending", count))
	go m.onReconnect()
}

// Subscribe returns a channel receiving every state change. A slow
// subscriber only sees the latest state. cancel closes the channel.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan State, 1)
	if m.state.Initialized {
		ch <- m.state
	}
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// broadcast must be called with mu held
func (m *Monitor) broadcast(state State) {
	for _, ch := range m.subs {
		select {
		case ch <- state:
		default:
			// replace the stale value
			select {
			case <-ch:
			default:
			}
			ch <- state
		}
	}
}
