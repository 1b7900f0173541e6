package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"wmsync/internal/store"

	"go.uber.org/zap"
)

type fakeUploader struct {
	bucket   string
	key      string
	body     []byte
	size     int64
	ctype    string
	metadata map[string]string
	calls    int
	err      error
}

func (f *fakeUploader) EnsureBucket(_ context.Context, bucket string) error {
	f.bucket = bucket
	return nil
}

func (f *fakeUploader) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.bucket, f.key, f.body, f.size, f.ctype, f.metadata = bucket, key, body, size, contentType, metadata
	return nil
}

func records() []*store.ActionRecord {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return []*store.ActionRecord{
		{ID: "a1", Kind: "pick_scan", Payload: []byte(`{"task_id":"T1"}`), Status: store.StatusDone, CreatedAt: created, UpdatedAt: created},
		{ID: "a2", Kind: "pick_close_task", Payload: []byte(`{"task_id":"T1"}`), Status: store.StatusDone, CreatedAt: created, UpdatedAt: created},
	}
}

func TestArchiveUploadsJSONLines(t *testing.T) {
	up := &fakeUploader{}
	a := New(up, "wmsync", "device-7/actions", "device-7", zap.NewNop())
	a.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

	if err := a.Archive(context.Background(), records()); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	if up.bucket != "wmsync" {
		t.Errorf("Expected bucket wmsync, got %s", up.bucket)
	}
	if !strings.HasPrefix(up.key, "device-7/actions/2026/03/02/") || !strings.HasSuffix(up.key, "-a1.jsonl") {
		t.Errorf("Unexpected object key %s", up.key)
	}
	if up.ctype != contentType {
		t.Errorf("Expected content type %s, got %s", contentType, up.ctype)
	}
	if up.size != int64(len(up.body)) {
		t.Errorf("Expected size %d, got %d", len(up.body), up.size)
	}
	if up.metadata["actions"] != "2" || up.metadata["device"] != "device-7" {
		t.Errorf("Unexpected metadata %v", up.metadata)
	}

	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(up.body))
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Failed to decode archive line: %v", err)
		}
		if string(e.Payload) != `{"task_id":"T1"}` {
			t.Errorf("Expected payload embedded as JSON, got %s", e.Payload)
		}
		ids = append(ids, e.ID)
	}
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "a2" {
		t.Errorf("Expected lines a1, a2, got %v", ids)
	}
}

func TestArchiveEmptyBatch(t *testing.T) {
	up := &fakeUploader{}
	a := New(up, "b", "", "", zap.NewNop())
	if err := a.Archive(context.Background(), nil); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if up.calls != 0 {
		t.Errorf("Expected no upload for empty batch, got %d", up.calls)
	}
}

func TestArchiveUploadError(t *testing.T) {
	up := &fakeUploader{err: errors.New("connection refused")}
	a := New(up, "b", "", "", zap.NewNop())
	err := a.Archive(context.Background(), records())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Expected upload error, got %v", err)
	}
}

func TestArchiveRejectsMalformedPayload(t *testing.T) {
	up := &fakeUploader{}
	a := New(up, "b", "", "", zap.NewNop())
	bad := []*store.ActionRecord{{ID: "x", Payload: []byte("{not json")}}
	if err := a.Archive(context.Background(), bad); err == nil {
		t.Error("Expected error for malformed payload")
	}
	if up.calls != 0 {
		t.Errorf("Expected no upload, got %d", up.calls)
	}
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 1, 5, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	got := ObjectKey("", at, "id1")
	if !strings.HasPrefix(got, "2026/01/05/") {
		t.Errorf("Expected UTC day in key, got %s", got)
	}
	if ObjectKey("p", at, "id1") != "p/"+got {
		t.Errorf("Expected prefix joined, got %s", ObjectKey("p", at, "id1"))
	}
}

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"localhost:9000", "localhost:9000", false},
		{"http://localhost:9000", "localhost:9000", false},
		{"https://s3.example.com/", "s3.example.com", false},
		{"https://s3.example.com/bucket", "", true},
		{"s3.example.com/bucket", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := cleanEndpoint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("cleanEndpoint(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("cleanEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
