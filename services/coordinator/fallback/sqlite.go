// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// maxIDsPerStatement keeps IN (...) lists under SQLite's variable limit.
const maxIDsPerStatement = 500

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buffered_tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at REAL NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_buffered_tasks_status ON buffered_tasks(status);
`

// SQLiteStore is the default Store engine.
//
// The database runs in WAL mode with synchronous=FULL, so a committed
// SaveTask survives power loss and readers never block on the writer.
//
// Thread Safety: Safe for concurrent use. Mutations are serialized by
// writeMu; reads use the connection pool directly.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and applies the schema.
//
// Inputs:
//
//	path - Database file. Parent directories are created.
//	logger - Must not be nil.
//
// Outputs:
//
//	*SQLiteStore - Ready for use. Caller must Close it.
//	error - Non-nil if the file cannot be opened or migrated.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite fallback store requires a path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create fallback directory %s: %w", dir, err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(FULL)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open fallback db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping fallback db: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		logger: logger.With(slog.String("component", "fallback"), slog.String("engine", EngineSQLite)),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate fallback db: %w", err)
	}
	s.logger.Info("fallback store opened", slog.String("path", path))
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(sqliteSchema)
	return err
}

// SaveTask appends one pending row.
func (s *SQLiteStore) SaveTask(ctx context.Context, taskType string, payload map[string]any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := validateTaskType(taskType); err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO buffered_tasks (task_type, payload, created_at, status) VALUES (?, ?, ?, ?)`,
		taskType, string(data), unixSeconds(time.Now()), StatusPending)
	if err != nil {
		s.logger.Error("failed to buffer task",
			slog.String("task_type", taskType), slog.String("error", err.Error()))
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetPendingTasks returns up to limit pending rows in insertion order.
//
// Rows whose payload no longer decodes are logged and skipped; reading
// continues past them until limit valid rows are collected, so corrupt
// rows never starve the rows behind them.
func (s *SQLiteStore) GetPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	tasks := make([]Task, 0, limit)
	var lastID int64
	for len(tasks) < limit {
		page, read, next, err := s.pendingPage(ctx, lastID, limit-len(tasks))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, page...)
		if read == 0 {
			break
		}
		lastID = next
	}
	return tasks, nil
}

// pendingPage reads up to n pending rows with id > afterID. It returns the
// decodable tasks, the number of rows read and the last id seen.
func (s *SQLiteStore) pendingPage(ctx context.Context, afterID int64, n int) ([]Task, int, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_type, payload, created_at, status FROM buffered_tasks
		 WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?`, StatusPending, afterID, n)
	if err != nil {
		return nil, 0, afterID, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var (
		tasks []Task
		read  int
		last  = afterID
	)
	for rows.Next() {
		var (
			t         Task
			payload   string
			createdAt float64
		)
		if err := rows.Scan(&t.ID, &t.Type, &payload, &createdAt, &t.Status); err != nil {
			return nil, 0, afterID, fmt.Errorf("scan task: %w", err)
		}
		read++
		last = t.ID
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			s.logger.Error("skipping task with corrupt payload",
				slog.Int64("id", t.ID), slog.String("error", err.Error()))
			continue
		}
		t.CreatedAt = fromUnixSeconds(createdAt)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, afterID, fmt.Errorf("read pending tasks: %w", err)
	}
	return tasks, read, last, nil
}

// MarkAsRecovered flips pending rows to recovered in one transaction.
func (s *SQLiteStore) MarkAsRecovered(ctx context.Context, ids []int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark recovered: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += maxIDsPerStatement {
		end := min(start+maxIDsPerStatement, len(ids))
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, StatusRecovered, StatusPending)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := `UPDATE buffered_tasks SET status = ? WHERE status = ? AND id IN (` +
			placeholders(len(chunk)) + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark recovered: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark recovered: %w", err)
	}
	return nil
}

// CleanupOldTasks deletes recovered rows and every row created before
// now-maxAge, whatever its status.
func (s *SQLiteStore) CleanupOldTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if maxAge < 0 {
		return 0, fmt.Errorf("max age must not be negative, got %s", maxAge)
	}
	cutoff := unixSeconds(time.Now().Add(-maxAge))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buffered_tasks WHERE status = ? OR created_at < ?`, StatusRecovered, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("fallback cleanup", slog.Int64("deleted", n), slog.Duration("max_age", maxAge))
	}
	return int(n), nil
}

// GetStats counts rows by status.
func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM buffered_tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusRecovered:
			st.Recovered = n
		}
		st.Total += n
	}
	return st, rows.Err()
}

// Close closes the database. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
