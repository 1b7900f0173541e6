package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the queue database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create data dir: %v", ErrUnavailable, err)
		}
	}

	// FULL sync: an enqueue must survive power loss once it has returned
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnavailable, err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create tables: %v", ErrUnavailable, err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_status_created ON actions(status, created_at);

	CREATE TABLE IF NOT EXISTS snapshots (
		task_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS barcode_index (
		barcode TEXT NOT NULL,
		task_id TEXT NOT NULL,
		line_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		line BLOB,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (barcode, task_id, line_id)
	);

	CREATE INDEX IF NOT EXISTS idx_barcode_task ON barcode_index(task_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// ready reports ErrUnavailable when the store has been closed or the
// database connection cannot be used.
func (s *SQLiteStore) ready() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: database store is closed", ErrUnavailable)
	}
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// InsertOrReplaceAction upserts an action row keyed by id
func (s *SQLiteStore) InsertOrReplaceAction(record *ActionRecord) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}

	return s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		query := `
		INSERT INTO actions (id, kind, payload, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			status = excluded.status,
			last_error = excluded.last_error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		`
		_, err = tx.Exec(query,
			record.ID,
			record.Kind,
			record.Payload,
			string(record.Status),
			nullString(record.LastError),
			record.CreatedAt.UnixNano(),
			record.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert action: %w", err)
		}

		return tx.Commit()
	})
}

// GetAction returns the action with the given id or ErrNotFound
func (s *SQLiteStore) GetAction(id string) (*ActionRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var record *ActionRecord
	err := s.retryOnBusy(func() error {
		row := s.db.QueryRow(`
		SELECT id, kind, payload, status, last_error, created_at, updated_at
		FROM actions WHERE id = ?`, id)

		r, err := scanAction(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("action %s: %w", id, ErrNotFound)
		}
		record = r
		return err
	})
	return record, err
}

// ListActionsByStatus returns actions with the given status, oldest first.
// Rows with identical created_at keep their insertion order.
func (s *SQLiteStore) ListActionsByStatus(status Status) ([]*ActionRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var records []*ActionRecord
	err := s.retryOnBusy(func() error {
		rows, err := s.db.Query(`
		SELECT id, kind, payload, status, last_error, created_at, updated_at
		FROM actions WHERE status = ?
		ORDER BY created_at ASC, rowid ASC`, string(status))
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			record, err := scanAction(rows)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	return records, err
}

// UpdateActionStatus sets status and last error of a single action
func (s *SQLiteStore) UpdateActionStatus(id string, status Status, lastError string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.Exec(`
		UPDATE actions SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
			string(status), nullString(lastError), time.Now().UnixNano(), id)
		if err != nil {
			return fmt.Errorf("failed to update action: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("action %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// TransitionAction sets status and last error of an action only while it
// still has status from. The check and the write are one statement, so two
// processes sharing the database cannot both move the same row.
func (s *SQLiteStore) TransitionAction(id string, from, to Status, lastError string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.Exec(`
		UPDATE actions SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
			string(to), nullString(lastError), time.Now().UnixNano(), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to update action: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var current string
		err = s.db.QueryRow(`SELECT status FROM actions WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("action %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("action %s is %s, expected %s: %w", id, current, from, ErrStatusChanged)
	})
}

// CountByStatus returns the number of actions with the given status
func (s *SQLiteStore) CountByStatus(status Status) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	var count int
	err := s.retryOnBusy(func() error {
		return s.db.QueryRow(`SELECT COUNT(*) FROM actions WHERE status = ?`, string(status)).Scan(&count)
	})
	return count, err
}

// DeleteDoneActions removes the given actions if they are still done.
// Rows in any other status are left untouched.
func (s *SQLiteStore) DeleteDoneActions(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.ready(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int
	err := s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`DELETE FROM actions WHERE id = ? AND status = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		deleted = 0
		for _, id := range ids {
			res, err := stmt.Exec(id, string(StatusDone))
			if err != nil {
				return fmt.Errorf("failed to delete action %s: %w", id, err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}

		return tx.Commit()
	})
	return deleted, err
}

// WriteSnapshot replaces the cached snapshot of a task and rebuilds its
// barcode index rows in the same transaction.
func (s *SQLiteStore) WriteSnapshot(snapshot *Snapshot) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now()
	}
	updatedAt := snapshot.UpdatedAt.UnixNano()

	return s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
		INSERT INTO snapshots (task_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
			snapshot.TaskID, snapshot.Data, updatedAt)
		if err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM barcode_index WHERE task_id = ?`, snapshot.TaskID); err != nil {
			return fmt.Errorf("failed to clear barcode index: %w", err)
		}

		stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO barcode_index (barcode, task_id, line_id, product_id, line, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, line := range snapshot.Lines {
			for _, code := range line.Barcodes {
				normalized := NormalizeBarcode(code)
				if normalized == "" {
					continue
				}
				if _, err := stmt.Exec(normalized, snapshot.TaskID, line.LineID, line.ProductID, line.Data, updatedAt); err != nil {
					return fmt.Errorf("failed to index barcode %q: %w", normalized, err)
				}
			}
		}

		return tx.Commit()
	})
}

// GetSnapshot returns the cached snapshot data of a task or ErrNotFound
func (s *SQLiteStore) GetSnapshot(taskID string) (*Snapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var snapshot Snapshot
	var updatedAt int64
	err := s.db.QueryRow(`SELECT task_id, data, updated_at FROM snapshots WHERE task_id = ?`, taskID).
		Scan(&snapshot.TaskID, &snapshot.Data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	snapshot.UpdatedAt = time.Unix(0, updatedAt)
	return &snapshot, nil
}

// LookupBarcode resolves a barcode against the index. It returns nil, nil
// when the barcode is not indexed. If several cached tasks contain the
// barcode the most recently written one wins.
func (s *SQLiteStore) LookupBarcode(code string) (*BarcodeEntry, error) {
	normalized := NormalizeBarcode(code)
	if normalized == "" {
		return nil, nil
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	var entry BarcodeEntry
	err := s.db.QueryRow(`
	SELECT barcode, product_id, task_id, line_id, line
	FROM barcode_index WHERE barcode = ?
	ORDER BY updated_at DESC LIMIT 1`, normalized).
		Scan(&entry.Barcode, &entry.ProductID, &entry.TaskID, &entry.LineID, &entry.Line)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*ActionRecord, error) {
	var record ActionRecord
	var status string
	var lastError sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&record.ID,
		&record.Kind,
		&record.Payload,
		&status,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = Status(status)
	if lastError.Valid {
		record.LastError = lastError.String
	}
	record.CreatedAt = time.Unix(0, createdAt)
	record.UpdatedAt = time.Unix(0, updatedAt)

	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 8
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}
