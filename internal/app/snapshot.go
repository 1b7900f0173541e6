package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wmsync/internal/remote"
	"wmsync/internal/store"

	"go.uber.org/zap"
)

// RefreshTask fetches a task from the backend and replaces its cached
// snapshot. The barcode index for the task is rebuilt in the same write.
func (a *App) RefreshTask(ctx context.Context, taskID string) (*remote.Task, error) {
	state := a.monitor.State()
	if state.Initialized && !state.Online {
		return nil, ErrOffline
	}

	task, err := a.api.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task %s: %w", taskID, err)
	}

	snapshot, err := snapshotFromTask(taskID, task, time.Now())
	if err != nil {
		return nil, err
	}
	if err := a.store.WriteSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("failed to cache task %s: %w", taskID, err)
	}

	a.logger.Info("Task snapshot refreshed",
		zap.String("task_id", taskID),
		zap.Int("lines", len(snapshot.Lines)),
	)
	return task, nil
}

// Snapshot returns the cached snapshot of a task
func (a *App) Snapshot(taskID string) (*store.Snapshot, error) {
	return a.store.GetSnapshot(taskID)
}

// LookupBarcode resolves a scanned code against cached snapshots. It
// returns nil when the code is unknown.
func (a *App) LookupBarcode(code string) (*store.BarcodeEntry, error) {
	return a.store.LookupBarcode(code)
}

func snapshotFromTask(taskID string, task *remote.Task, now time.Time) (*store.Snapshot, error) {
	data := task.Raw
	if len(data) == 0 {
		var err error
		if data, err = json.Marshal(task); err != nil {
			return nil, fmt.Errorf("failed to encode task %s: %w", taskID, err)
		}
	}

	lines := make([]store.SnapshotLine, 0, len(task.Lines))
	for _, line := range task.Lines {
		raw, err := json.Marshal(line)
		if err != nil {
			return nil, fmt.Errorf("failed to encode line %s: %w", line.ID, err)
		}
		lines = append(lines, store.SnapshotLine{
			LineID:    line.ID,
			ProductID: line.ProductID,
			Barcodes:  line.Barcodes,
			Data:      raw,
		})
	}

	return &store.Snapshot{
		TaskID:    taskID,
		Data:      data,
		UpdatedAt: now,
		Lines:     lines,
	}, nil
}
