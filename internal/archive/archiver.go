// Package archive uploads synced actions to object storage before they are
// pruned from the local queue.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"wmsync/internal/store"

	"go.uber.org/zap"
)

const contentType = "application/x-ndjson"

// entry is one line of an archive object
type entry struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    store.Status    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Archiver writes batches of done actions as newline-delimited JSON objects
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	device   string
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an archiver. device is recorded in object metadata so
// archives from several handhelds can share a bucket.
func New(uploader Uploader, bucket, prefix, device string, logger *zap.Logger) *Archiver {
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		device:   device,
		logger:   logger,
		now:      time.Now,
	}
}

// Prepare makes sure the target bucket exists
func (a *Archiver) Prepare(ctx context.Context) error {
	return a.uploader.EnsureBucket(ctx, a.bucket)
}

// Archive uploads records as a single object. An empty batch is a no-op.
func (a *Archiver) Archive(ctx context.Context, records []*store.ActionRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, err := encode(records)
	if err != nil {
		return err
	}

	key := ObjectKey(a.prefix, a.now(), records[0].ID)
	metadata := map[string]string{
		"actions": strconv.Itoa(len(records)),
	}
	if a.device != "" {
		metadata["device"] = a.device
	}

	if err := a.uploader.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), contentType, metadata); err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}

	a.logger.Info("Archived synced actions",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("actions", len(records)),
	)
	return nil
}

// ObjectKey builds the object key for a batch archived at t. Keys are
// grouped by day and sort chronologically.
func ObjectKey(prefix string, t time.Time, firstID string) string {
	t = t.UTC()
	name := fmt.Sprintf("%d-%s.jsonl", t.UnixNano(), firstID)
	return path.Join(prefix, t.Format("2006/01/02"), name)
}

func encode(records []*store.ActionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		payload := json.RawMessage(r.Payload)
		if !json.Valid(payload) {
			return nil, fmt.Errorf("action %s has a malformed payload", r.ID)
		}
		if err := enc.Encode(entry{
			ID:        r.ID,
			Kind:      r.Kind,
			Payload:   payload,
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}); err != nil {
			return nil, fmt.Errorf("failed to encode action %s: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}
