package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"wmsync/internal/store"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return NewManager(s, zap.NewNop()), s, dbPath
}

func TestEnqueueIsDurable(t *testing.T) {
	m, s, dbPath := newTestManager(t)

	payload := PickScan{TaskID: "T1", Barcode: "123", Quantity: 2, ScannedAt: time.Unix(1700000000, 0).UTC()}
	id, err := m.Enqueue(payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected id to be set")
	}

	// simulate process kill: drop the manager and reopen the file
	s.Close()
	reopened, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	action, err := NewManager(reopened, zap.NewNop()).Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if action.Status != store.StatusPending {
		t.Errorf("Expected pending, got %s", action.Status)
	}
	got, ok := action.Payload.(PickScan)
	if !ok {
		t.Fatalf("Expected PickScan payload, got %T", action.Payload)
	}
	if got.TaskID != payload.TaskID || got.Barcode != payload.Barcode ||
		got.Quantity != payload.Quantity || !got.ScannedAt.Equal(payload.ScannedAt) {
		t.Errorf("Payload changed: got %+v want %+v", got, payload)
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	m, _, _ := newTestManager(t)

	tests := []struct {
		name    string
		payload Payload
	}{
		{"nil", nil},
		{"scan without barcode", PickScan{TaskID: "T1", Quantity: 1}},
		{"scan zero quantity", PickScan{TaskID: "T1", Barcode: "1"}},
		{"set qty without line", PickSetQty{Quantity: 3}},
		{"confirm without units", PickConfirmItem{TaskID: "T1", LineID: "L1", Barcode: "1"}},
		{"close without task", PickCloseTask{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Enqueue(tt.payload); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("Expected ErrInvalidPayload, got %v", err)
			}
		})
	}

	if n, _ := m.PendingCount(); n != 0 {
		t.Errorf("Expected no actions to be stored, got %d", n)
	}
}

func TestEnqueueKeepsOrderWhenClockStalls(t *testing.T) {
	m, _, _ := newTestManager(t)

	fixed := time.Unix(1700000000, 0)
	m.now = func() time.Time { return fixed }

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Enqueue(PickCloseTask{TaskID: "T1"})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	pending, err := m.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	for i, action := range pending {
		if action.ID != ids[i] {
			t.Errorf("position %d: got %s want %s", i, action.ID, ids[i])
		}
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []func(m *Manager, id string) error
		apply func(m *Manager, id string) error
		want  store.Status
		err   error
	}{
		{
			name:  "pending to syncing",
			apply: (*Manager).MarkSyncing,
			want:  store.StatusSyncing,
		},
		{
			name:  "pending to done is illegal",
			apply: (*Manager).MarkDone,
			want:  store.StatusPending,
			err:   ErrIllegalTransition,
		},
		{
			name:  "syncing to done",
			setup: []func(*Manager, string) error{(*Manager).MarkSyncing},
			apply: (*Manager).MarkDone,
			want:  store.StatusDone,
		},
		{
			name:  "syncing back to pending",
			setup: []func(*Manager, string) error{(*Manager).MarkSyncing},
			apply: (*Manager).ReturnToPending,
			want:  store.StatusPending,
		},
		{
			name:  "syncing cannot be requeued by the user",
			setup: []func(*Manager, string) error{(*Manager).MarkSyncing},
			apply: (*Manager).Requeue,
			want:  store.StatusSyncing,
			err:   ErrIllegalTransition,
		},
		{
			name:  "failed cannot return to pending through the engine path",
			setup: []func(*Manager, string) error{(*Manager).MarkSyncing, func(m *Manager, id string) error { return m.MarkFailed(id, "boom") }},
			apply: (*Manager).ReturnToPending,
			want:  store.StatusFailed,
			err:   ErrIllegalTransition,
		},
		{
			name:  "failed to pending",
			setup: []func(*Manager, string) error{(*Manager).MarkSyncing, func(m *Manager, id string) error { return m.MarkFailed(id, "boom") }},
			apply: (*Manager).Requeue,
			want:  store.StatusPending,
		},
		{
			name:  "done is terminal",
			setup: []func(*Manager, string) error{(*Manager).MarkSyncing, (*Manager).MarkDone},
			apply: (*Manager).Requeue,
			want:  store.StatusDone,
			err:   ErrIllegalTransition,
		},
		{
			name:  "pending cannot be requeued",
			apply: (*Manager).Requeue,
			want:  store.StatusPending,
			err:   ErrIllegalTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t)

			id, err := m.Enqueue(PickCloseTask{TaskID: "T1"})
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			for _, step := range tt.setup {
				if err := step(m, id); err != nil {
					t.Fatalf("setup failed: %v", err)
				}
			}

			err = tt.apply(m, id)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("Expected %v, got %v", tt.err, err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			action, err := m.Get(id)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if action.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, action.Status)
			}
		})
	}
}

func TestMarkFailedKeepsReasonAndRequeueClearsIt(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, _ := m.Enqueue(PickSetQty{TaskID: "T1", LineID: "L1", Quantity: 4})
	m.MarkSyncing(id)
	if err := m.MarkFailed(id, "Quantity exceeds remaining (3)"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	list, err := m.ListForDisplay()
	if err != nil {
		t.Fatalf("ListForDisplay failed: %v", err)
	}
	if len(list.Failed) != 1 || len(list.Pending) != 0 {
		t.Fatalf("unexpected display list: %+v", list)
	}
	if list.Failed[0].Error != "Quantity exceeds remaining (3)" {
		t.Errorf("server message not kept verbatim: %q", list.Failed[0].Error)
	}

	if err := m.Requeue(id); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	action, _ := m.Get(id)
	if action.Status != store.StatusPending || action.Error != "" {
		t.Errorf("unexpected action after requeue: %+v", action)
	}
}

func TestTransitionsAcrossManagersOnOneDatabase(t *testing.T) {
	m, _, dbPath := newTestManager(t)

	other, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() failed: %v", err)
	}
	defer other.Close()
	m2 := NewManager(other, zap.NewNop())

	id, err := m.Enqueue(PickCloseTask{TaskID: "T1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := m.MarkSyncing(id); err != nil {
		t.Fatalf("MarkSyncing failed: %v", err)
	}
	// the second manager still believes the action is pending
	if err := m2.MarkSyncing(id); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition, got %v", err)
	}

	if err := m.MarkDone(id); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := m2.MarkFailed(id, "late"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition, got %v", err)
	}

	action, _ := m.Get(id)
	if action.Status != store.StatusDone {
		t.Errorf("Expected done to stick, got %s", action.Status)
	}
}

func TestTransitionOnMissingAction(t *testing.T) {
	m, _, _ := newTestManager(t)

	if err := m.MarkSyncing("nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	m, _, _ := newTestManager(t)

	first, _ := m.Enqueue(PickCloseTask{TaskID: "T1"})
	second, _ := m.Enqueue(PickCloseTask{TaskID: "T2"})
	if err := m.MarkSyncing(first); err != nil {
		t.Fatalf("MarkSyncing failed: %v", err)
	}

	n, err := m.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 recovered action, got %d", n)
	}

	pending, _ := m.ListPending()
	if len(pending) != 2 || pending[0].ID != first || pending[1].ID != second {
		t.Errorf("recovered action must keep its FIFO slot: %+v", pending)
	}
}

type fakeArchiver struct {
	got []*store.ActionRecord
	err error
}

func (f *fakeArchiver) Archive(_ context.Context, records []*store.ActionRecord) error {
	f.got = append(f.got, records...)
	return f.err
}

func TestPrune(t *testing.T) {
	m, _, _ := newTestManager(t)

	done, _ := m.Enqueue(PickCloseTask{TaskID: "T1"})
	m.MarkSyncing(done)
	m.MarkDone(done)
	pending, _ := m.Enqueue(PickCloseTask{TaskID: "T2"})

	// nothing is old enough yet
	if n, err := m.Prune(context.Background(), time.Hour, nil); err != nil || n != 0 {
		t.Fatalf("Expected no pruning, got %d, %v", n, err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	failing := &fakeArchiver{err: errors.New("bucket unreachable")}
	if _, err := m.Prune(context.Background(), time.Hour, failing); err == nil {
		t.Fatal("Expected archive error")
	}
	if _, err := m.Get(done); err != nil {
		t.Fatalf("done action must be kept when archiving fails: %v", err)
	}

	archiver := &fakeArchiver{}
	n, err := m.Prune(context.Background(), time.Hour, archiver)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 || len(archiver.got) != 1 || archiver.got[0].ID != done {
		t.Errorf("unexpected prune result: n=%d archived=%v", n, archiver.got)
	}
	if _, err := m.Get(done); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected done action to be deleted, got %v", err)
	}
	if _, err := m.Get(pending); err != nil {
		t.Errorf("pending action must never be pruned: %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	m, _, _ := newTestManager(t)

	var seen []Counts
	unsubscribe := m.Subscribe(func(c Counts) { seen = append(seen, c) })

	id, _ := m.Enqueue(PickCloseTask{TaskID: "T1"})
	m.MarkSyncing(id)

	if len(seen) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(seen))
	}
	if seen[0].Pending != 1 || seen[1].Syncing != 1 || seen[1].Pending != 0 {
		t.Errorf("unexpected counts: %+v", seen)
	}

	unsubscribe()
	m.MarkDone(id)
	if len(seen) != 2 {
		t.Errorf("Expected no notification after unsubscribe, got %d", len(seen))
	}
}
