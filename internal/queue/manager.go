package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wmsync/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Counts is a snapshot of queue sizes per status
type Counts struct {
	Pending int
	Syncing int
	Failed  int
	Done    int
}

// DisplayList is the read-only projection used by the queue inspection view
type DisplayList struct {
	Pending []*Action
	Failed  []*Action
}

// Archiver receives done actions before they are pruned
type Archiver interface {
	Archive(ctx context.Context, records []*store.ActionRecord) error
}

// Manager owns the action lifecycle on top of a Store
type Manager struct {
	store  store.Store
	logger *zap.Logger

	now   func() time.Time
	newID func() string

	// serializes transitions and enqueue timestamps
	mu          sync.Mutex
	lastCreated time.Time

	obsMu     sync.Mutex
	observers map[int]func(Counts)
	nextObs   int
}

// NewManager creates a queue manager backed by s
func NewManager(s store.Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:     s,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		observers: make(map[int]func(Counts)),
	}
}

// Enqueue durably stores a new pending action and returns its id. The
// action is on disk when Enqueue returns without error.
func (m *Manager) Enqueue(payload Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	m.mu.Lock()
	created := m.now()
	// keep enqueue order strictly increasing even when the clock does not move
	if !created.After(m.lastCreated) {
		created = m.lastCreated.Add(time.Nanosecond)
	}
	m.lastCreated = created

	record := &store.ActionRecord{
		ID:        m.newID(),
		Kind:      string(payload.Kind()),
		Payload:   raw,
		Status:    store.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
	err = m.store.InsertOrReplaceAction(record)
	m.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("offline action not saved: %w", err)
	}

	m.logger.Info("Action enqueued",
		zap.String("action_id", record.ID),
		zap.String("kind", record.Kind),
	)
	m.notify()

	return record.ID, nil
}

// Get returns a single action
func (m *Manager) Get(id string) (*Action, error) {
	record, err := m.store.GetAction(id)
	if err != nil {
		return nil, err
	}
	return fromRecord(record)
}

// PendingCount returns the number of actions waiting to be synced
func (m *Manager) PendingCount() (int, error) {
	return m.store.CountByStatus(store.StatusPending)
}

// Counts returns the queue size of every status
func (m *Manager) Counts() (Counts, error) {
	var c Counts
	var err error

	if c.Pending, err = m.store.CountByStatus(store.StatusPending); err != nil {
		return Counts{}, err
	}
	if c.Syncing, err = m.store.CountByStatus(store.StatusSyncing); err != nil {
		return Counts{}, err
	}
	if c.Failed, err = m.store.CountByStatus(store.StatusFailed); err != nil {
		return Counts{}, err
	}
	if c.Done, err = m.store.CountByStatus(store.StatusDone); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// ListPending returns pending actions in submission order
func (m *Manager) ListPending() ([]*Action, error) {
	return m.list(store.StatusPending)
}

// ListForDisplay returns pending and failed actions, oldest first
func (m *Manager) ListForDisplay() (DisplayList, error) {
	pending, err := m.list(store.StatusPending)
	if err != nil {
		return DisplayList{}, err
	}
	failed, err := m.list(store.StatusFailed)
	if err != nil {
		return DisplayList{}, err
	}
	return DisplayList{Pending: pending, Failed: failed}, nil
}

func (m *Manager) list(status store.Status) ([]*Action, error) {
	records, err := m.store.ListActionsByStatus(status)
	if err != nil {
		return nil, err
	}

	actions := make([]*Action, 0, len(records))
	for _, record := range records {
		action, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// MarkSyncing moves a pending action to syncing
func (m *Manager) MarkSyncing(id string) error {
	return m.transition(id, store.StatusPending, store.StatusSyncing, "")
}

// MarkDone moves a syncing action to done
func (m *Manager) MarkDone(id string) error {
	return m.transition(id, store.StatusSyncing, store.StatusDone, "")
}

// MarkFailed moves a syncing action to failed and records the reason
func (m *Manager) MarkFailed(id, reason string) error {
	return m.transition(id, store.StatusSyncing, store.StatusFailed, reason)
}

// Requeue moves a failed action back to pending. It is the user retry path;
// an action being synced cannot be requeued.
func (m *Manager) Requeue(id string) error {
	return m.transition(id, store.StatusFailed, store.StatusPending, "")
}

// ReturnToPending moves a syncing action back to pending without touching
// its id or created_at. Used by the engine when the outcome of a call is
// unknown and by interrupted-drain recovery.
func (m *Manager) ReturnToPending(id string) error {
	return m.transition(id, store.StatusSyncing, store.StatusPending, "")
}

// transition moves id from one status to another. The store applies the
// change only if the row still has status from, so a concurrent writer on
// the same database turns the loser's move into ErrIllegalTransition.
func (m *Manager) transition(id string, from, to store.Status, reason string) error {
	m.mu.Lock()
	err := m.store.TransitionAction(id, from, to, reason)
	m.mu.Unlock()

	if errors.Is(err, store.ErrStatusChanged) {
		return fmt.Errorf("%w: action %s -> %s: %v", ErrIllegalTransition, id, to, err)
	}
	if err != nil {
		return err
	}

	m.logger.Debug("Action status changed",
		zap.String("action_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	m.notify()
	return nil
}

// RecoverInterrupted resets actions left in syncing by a previous drain
// back to pending. Their id and created_at are kept, so the retry reuses
// the same idempotency token and FIFO position. Callers must hold the
// drain lock of the database: without it a row another process is syncing
// right now would be reset.
func (m *Manager) RecoverInterrupted() (int, error) {
	records, err := m.store.ListActionsByStatus(store.StatusSyncing)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, record := range records {
		if err := m.ReturnToPending(record.ID); err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				continue
			}
			return recovered, fmt.Errorf("failed to recover action %s: %w", record.ID, err)
		}
		m.logger.Warn("Recovered interrupted action, outcome unknown",
			zap.String("action_id", record.ID),
			zap.String("kind", record.Kind),
		)
		recovered++
	}
	return recovered, nil
}

// Prune archives and deletes done actions last updated before now-olderThan.
// A nil archiver skips archiving.
func (m *Manager) Prune(ctx context.Context, olderThan time.Duration, archiver Archiver) (int, error) {
	records, err := m.store.ListActionsByStatus(store.StatusDone)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-olderThan)
	var expired []*store.ActionRecord
	for _, record := range records {
		if record.UpdatedAt.Before(cutoff) {
			expired = append(expired, record)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if archiver != nil {
		if err := archiver.Archive(ctx, expired); err != nil {
			return 0, fmt.Errorf("failed to archive done actions: %w", err)
		}
	}

	ids := make([]string, len(expired))
	for i, record := range expired {
		ids[i] = record.ID
	}

	deleted, err := m.store.DeleteDoneActions(ids)
	if err != nil {
		return 0, err
	}

	m.logger.Info("Pruned done actions", zap.Int("count", deleted))
	m.notify()
	return deleted, nil
}

// Subscribe registers fn to receive queue counts after every change.
// The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Counts)) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) notify() {
	m.obsMu.Lock()
	if len(m.observers) == 0 {
		m.obsMu.Unlock()
		return
	}
	fns := make([]func(Counts), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()

	counts, err := m.Counts()
	if err != nil {
		m.logger.Warn("Failed to read queue counts", zap.Error(err))
		return
	}
	for _, fn := range fns {
		fn(counts)
	}
}
