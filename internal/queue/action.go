// Package queue is the typed entry and exit point for offline warehouse
// actions. Producers enqueue through a Manager and the sync engine moves
// actions through their lifecycle with the Mark* methods.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wmsync/internal/store"
)

// Kind identifies the remote operation an action maps to
type Kind string

const (
	KindPickScan        Kind = "pick_scan"
	KindPickSetQty      Kind = "pick_set_qty"
	KindPickConfirmItem Kind = "pick_confirm_item"
	KindPickCloseTask   Kind = "pick_close_task"
)

var (
	ErrUnknownKind       = errors.New("unknown action kind")
	ErrInvalidPayload    = errors.New("invalid action payload")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Payload is implemented by the strongly typed payload of every action kind
type Payload interface {
	Kind() Kind
	Validate() error
}

// PickScan records a barcode scanned against a pick task
type PickScan struct {
	TaskID    string    `json:"task_id"`
	LineID    string    `json:"line_id,omitempty"`
	Barcode   string    `json:"barcode"`
	Quantity  int       `json:"quantity"`
	ScannedAt time.Time `json:"scanned_at"`
}

func (PickScan) Kind() Kind { return KindPickScan }

func (p PickScan) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidPayload)
	}
	if store.NormalizeBarcode(p.Barcode) == "" {
		return fmt.Errorf("%w: barcode is required", ErrInvalidPayload)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidPayload)
	}
	return nil
}

// PickSetQty sets the confirmed quantity of a pick line
type PickSetQty struct {
	TaskID   string `json:"task_id"`
	LineID   string `json:"line_id"`
	Quantity int    `json:"quantity"`
}

func (PickSetQty) Kind() Kind { return KindPickSetQty }

func (p PickSetQty) Validate() error {
	if p.LineID == "" {
		return fmt.Errorf("%w: line id is required", ErrInvalidPayload)
	}
	if p.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidPayload)
	}
	return nil
}

// PickConfirmItem confirms Units more units of a line. PickedBefore is the
// picked quantity the user saw when acting, so a retry can derive how many
// units the server still lacks.
type PickConfirmItem struct {
	TaskID       string `json:"task_id"`
	LineID       string `json:"line_id"`
	Barcode      string `json:"barcode"`
	Units        int    `json:"units"`
	PickedBefore int    `json:"picked_before"`
}

func (PickConfirmItem) Kind() Kind { return KindPickConfirmItem }

func (p PickConfirmItem) Validate() error {
	if p.TaskID == "" || p.LineID == "" {
		return fmt.Errorf("%w: task id and line id are required", ErrInvalidPayload)
	}
	if store.NormalizeBarcode(p.Barcode) == "" {
		return fmt.Errorf("%w: barcode is required", ErrInvalidPayload)
	}
	if p.Units <= 0 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidPayload)
	}
	if p.PickedBefore < 0 {
		return fmt.Errorf("%w: picked before must not be negative", ErrInvalidPayload)
	}
	return nil
}

// PickCloseTask completes a pick task, optionally with an incomplete reason
type PickCloseTask struct {
	TaskID           string `json:"task_id"`
	IncompleteReason string `json:"incomplete_reason,omitempty"`
}

func (PickCloseTask) Kind() Kind { return KindPickCloseTask }

func (p PickCloseTask) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidPayload)
	}
	return nil
}

// Action is the typed view of a queued action row
type Action struct {
	ID        string
	Kind      Kind
	Payload   Payload
	Status    store.Status
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func decodePayload(kind Kind, raw []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindPickScan:
		var v PickScan
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case KindPickSetQty:
		var v PickSetQty
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case KindPickConfirmItem:
		var v PickConfirmItem
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	case KindPickCloseTask:
		var v PickCloseTask
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

func fromRecord(record *store.ActionRecord) (*Action, error) {
	payload, err := decodePayload(Kind(record.Kind), record.Payload)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", record.ID, err)
	}

	return &Action{
		ID:        record.ID,
		Kind:      Kind(record.Kind),
		Payload:   payload,
		Status:    record.Status,
		Error:     record.LastError,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}, nil
}
