package store

import (
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle status of a queued action
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

var (
	// ErrNotFound is returned when an action or snapshot row does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when the database cannot be opened or reached
	ErrUnavailable = errors.New("storage unavailable")
	// ErrStatusChanged is returned by a conditional status update when the
	// row no longer has the expected status
	ErrStatusChanged = errors.New("status changed")
)

// ActionRecord represents one row of the action queue
type ActionRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the last fetched server state of a task
type Snapshot struct {
	TaskID    string
	Data      []byte
	UpdatedAt time.Time
	Lines     []SnapshotLine
}

// SnapshotLine is a line item of a snapshot, used to derive barcode index rows
type SnapshotLine struct {
	LineID    string
	ProductID string
	Barcodes  []string
	Data      []byte
}

// BarcodeEntry resolves a normalized barcode to a line of a cached task
type BarcodeEntry struct {
	Barcode   string
	ProductID string
	TaskID    string
	LineID    string
	Line      []byte
}

// Store defines the interface for durable queue and cache persistence
type Store interface {
	// Action queue
	InsertOrReplaceAction(record *ActionRecord) error
	GetAction(id string) (*ActionRecord, error)
	ListActionsByStatus(status Status) ([]*ActionRecord, error)
	UpdateActionStatus(id string, status Status, lastError string) error
	TransitionAction(id string, from, to Status, lastError string) error
	CountByStatus(status Status) (int, error)
	DeleteDoneActions(ids []string) (int, error)

	// Read-side cache
	WriteSnapshot(snapshot *Snapshot) error
	GetSnapshot(taskID string) (*Snapshot, error)
	LookupBarcode(code string) (*BarcodeEntry, error)

	// Cleanup
	Close() error
}

// NormalizeBarcode is the single normalization applied to barcodes before
// they are stored in or looked up from the index.
func NormalizeBarcode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
