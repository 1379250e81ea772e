package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("journal store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the journal database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialised by writeMu; readers share the pool
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		message TEXT,
		notes TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveRun inserts or updates a run record
func (s *SQLiteStore) SaveRun(ctx context.Context, record *RunRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		return s.saveRun(ctx, record)
	})
}

func (s *SQLiteStore) saveRun(ctx context.Context, record *RunRecord) error {
	record.UpdatedAt = time.Now()

	notes, err := json.Marshal(record.Notes)
	if err != nil {
		return fmt.Errorf("failed to encode notes: %w", err)
	}

	query := `
	INSERT INTO runs
	(id, kind, status, processed, created, updated, failed, total, message, notes, started_at, finished_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		processed = excluded.processed,
		created = excluded.created,
		updated = excluded.updated,
		failed = excluded.failed,
		total = excluded.total,
		message = excluded.message,
		notes = excluded.notes,
		finished_at = excluded.finished_at,
		updated_at = excluded.updated_at
	`

	var finished sql.NullTime
	if record.FinishedAt != nil {
		finished = sql.NullTime{Time: *record.FinishedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Kind,
		record.Status,
		record.Processed,
		record.Created,
		record.Updated,
		record.Failed,
		record.Total,
		record.Message,
		string(notes),
		record.StartedAt,
		finished,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", record.ID, err)
	}
	return nil
}

const selectRun = `
	SELECT id, kind, status, processed, created, updated, failed, total, message, notes, started_at, finished_at, updated_at
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		record   RunRecord
		message  sql.NullString
		notes    sql.NullString
		finished sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.Kind,
		&record.Status,
		&record.Processed,
		&record.Created,
		&record.Updated,
		&record.Failed,
		&record.Total,
		&message,
		&notes,
		&record.StartedAt,
		&finished,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Message = message.String
	if finished.Valid {
		t := finished.Time
		record.FinishedAt = &t
	}
	if notes.Valid && notes.String != "" && notes.String != "null" {
		if err := json.Unmarshal([]byte(notes.String), &record.Notes); err != nil {
			return nil, fmt.Errorf("failed to decode notes for run %s: %w", record.ID, err)
		}
	}

	return &record, nil
}

// GetRun retrieves a run, returning nil when it does not exist
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	record, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// ListRuns returns the most recent runs first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// DeleteRun removes a single run
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
		return err
	})
}

// Clear removes every run
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM runs`)
		return err
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	const maxRetries = 5
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = operation(); err == nil || !isSQLiteBusyError(err) {
			return err
		}

		select {
		case <-time.After(baseDelay * time.Duration(1<<uint(attempt))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

func isSQLiteBusyError(err error) bool {
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
