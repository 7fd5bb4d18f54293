// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback is the durable local buffer for tasks that could not be
// handed to the distributed backend.
//
// Rows are appended while the backend is down and drained by the
// supervisor's reconciliation pass once it is back:
//
//	pending ──(re-pushed to backend)──▶ recovered ──(cleanup sweep)──▶ deleted
//	   └──────────────(older than max age)──────────────────────────────▶ deleted
//
// Two engines are available:
//
//   - SQLite (default): a single WAL-mode database file.
//   - Badger: an LSM key-value directory, or in-memory for tests.
//
// Both engines serialize every mutation through one write mutex. Reads run
// concurrently with writes.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Engine names accepted by Config.Engine.
const (
	EngineSQLite = "sqlite"
	EngineBadger = "badger"
)

// Task status values.
const (
	StatusPending   = "pending"
	StatusRecovered = "recovered"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("fallback store closed")

// Task is one buffered unit of work.
type Task struct {
	ID        int64          `json:"id"`
	Type      string         `json:"task_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Status    string         `json:"status"`
}

// Stats counts rows by status.
type Stats struct {
	Pending   int `json:"pending"`
	Recovered int `json:"recovered"`
	Total     int `json:"total"`
}

// Store is the contract shared by both engines.
//
// Thread Safety: Implementations are safe for concurrent use.
type Store interface {
	// SaveTask appends a pending row. It returns nil only after the write
	// is committed durably.
	SaveTask(ctx context.Context, taskType string, payload map[string]any) error

	// GetPendingTasks returns up to limit pending rows, oldest first.
	GetPendingTasks(ctx context.Context, limit int) ([]Task, error)

	// MarkAsRecovered moves the given rows from pending to recovered.
	// Unknown and already-recovered ids are ignored.
	MarkAsRecovered(ctx context.Context, ids []int64) error

	// CleanupOldTasks deletes recovered rows and any row older than maxAge.
	CleanupOldTasks(ctx context.Context, maxAge time.Duration) (int, error)

	// GetStats counts rows by status.
	GetStats(ctx context.Context) (Stats, error)

	// Close releases the engine.
	Close() error
}

// Config selects and configures an engine.
type Config struct {
	// Engine is "sqlite" (default) or "badger".
	Engine string

	// Path is the SQLite database file or the Badger directory.
	// An empty path with the badger engine opens an in-memory store.
	Path string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Open opens the configured engine, creating the schema if needed.
func Open(cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Engine {
	case "", EngineSQLite:
		return OpenSQLite(cfg.Path, cfg.Logger)
	case EngineBadger:
		if cfg.Path == "" {
			return OpenBadgerInMemory(cfg.Logger)
		}
		return OpenBadger(cfg.Path, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown fallback engine %q", cfg.Engine)
	}
}

func validateTaskType(taskType string) error {
	if taskType == "" {
		return errors.New("task type must not be empty")
	}
	return nil
}

// unixSeconds converts t to fractional Unix seconds.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// fromUnixSeconds is the inverse of unixSeconds.
func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
