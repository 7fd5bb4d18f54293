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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	badgerTaskPrefix = []byte("task:")
	badgerSeqKey     = []byte("seq:task")
)

// badgerSeqBandwidth is how many ids a sequence leases per disk write.
const badgerSeqBandwidth = 100

// badgerTxnChunk bounds the number of keys touched per transaction.
const badgerTxnChunk = 500

// badgerRecord is the value stored under task:<id>.
type badgerRecord struct {
	ID        int64          `json:"id"`
	Type      string         `json:"task_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt float64        `json:"created_at"`
	Status    string         `json:"status"`
}

func (r badgerRecord) task() Task {
	return Task{
		ID:        r.ID,
		Type:      r.Type,
		Payload:   r.Payload,
		CreatedAt: fromUnixSeconds(r.CreatedAt),
		Status:    r.Status,
	}
}

func badgerKey(id int64) []byte {
	return []byte(fmt.Sprintf("task:%020d", id))
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the alternate Store engine, backed by BadgerDB.
//
// Keys are task:<zero-padded id>, so key order is insertion order. Ids are
// leased from a Badger sequence and start at 1.
//
// Thread Safety: Safe for concurrent use. Mutations are serialized by
// writeMu; reads run in their own read-only transactions.
type BadgerStore struct {
	db      *badger.DB
	seq     *badger.Sequence
	logger  *slog.Logger
	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens a persistent store in dir with synchronous writes.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if dir == "" {
		return nil, errors.New("badger fallback store requires a path")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create fallback directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	return openBadger(opts, logger)
}

// OpenBadgerInMemory opens a store that lives only as long as the process.
// Intended for tests.
func OpenBadgerInMemory(logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1)
	return openBadger(opts, logger)
}

func openBadger(opts badger.Options, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "fallback"), slog.String("engine", EngineBadger))
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence(badgerSeqKey, badgerSeqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open task id sequence: %w", err)
	}
	logger.Info("fallback store opened", slog.Bool("in_memory", opts.InMemory))
	return &BadgerStore{db: db, seq: seq, logger: logger}, nil
}

// SaveTask appends one pending row.
func (s *BadgerStore) SaveTask(ctx context.Context, taskType string, payload map[string]any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := validateTaskType(taskType); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("allocate task id: %w", err)
	}
	rec := badgerRecord{
		ID:        int64(next) + 1,
		Type:      taskType,
		Payload:   payload,
		CreatedAt: unixSeconds(time.Now()),
		Status:    StatusPending,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(rec.ID), data)
	})
	if err != nil {
		s.logger.Error("failed to buffer task",
			slog.String("task_type", taskType), slog.String("error", err.Error()))
		return fmt.Errorf("write task: %w", err)
	}
	return nil
}

// scan walks every task in id order until fn returns false.
func (s *BadgerStore) scan(fn func(rec badgerRecord) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerTaskPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec badgerRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.logger.Error("skipping corrupt task record",
					slog.String("key", string(item.KeyCopy(nil))), slog.String("error", err.Error()))
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// GetPendingTasks returns up to limit pending rows in insertion order.
func (s *BadgerStore) GetPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, limit)
	err := s.scan(func(rec badgerRecord) bool {
		if rec.Status == StatusPending {
			tasks = append(tasks, rec.task())
		}
		return len(tasks) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending tasks: %w", err)
	}
	return tasks, nil
}

// MarkAsRecovered flips pending rows to recovered.
func (s *BadgerStore) MarkAsRecovered(ctx context.Context, ids []int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for start := 0; start < len(ids); start += badgerTxnChunk {
		chunk := ids[start:min(start+badgerTxnChunk, len(ids))]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, id := range chunk {
				item, err := txn.Get(badgerKey(id))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				var rec badgerRecord
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &rec)
				}); err != nil {
					return fmt.Errorf("decode task %d: %w", id, err)
				}
				if rec.Status != StatusPending {
					continue
				}
				rec.Status = StatusRecovered
				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := txn.Set(badgerKey(id), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("mark recovered: %w", err)
		}
	}
	return nil
}

// CleanupOldTasks deletes recovered rows and every row created before
// now-maxAge, whatever its status.
func (s *BadgerStore) CleanupOldTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if maxAge < 0 {
		return 0, fmt.Errorf("max age must not be negative, got %s", maxAge)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := unixSeconds(time.Now().Add(-maxAge))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var doomed [][]byte
	err := s.scan(func(rec badgerRecord) bool {
		if rec.Status == StatusRecovered || rec.CreatedAt < cutoff {
			doomed = append(doomed, badgerKey(rec.ID))
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("scan for cleanup: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range doomed {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("cleanup tasks: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush cleanup: %w", err)
	}
	s.logger.Info("fallback cleanup", slog.Int("deleted", len(doomed)), slog.Duration("max_age", maxAge))
	return len(doomed), nil
}

// GetStats counts rows by status.
func (s *BadgerStore) GetStats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	var st Stats
	err := s.scan(func(rec badgerRecord) bool {
		switch rec.Status {
		case StatusPending:
			st.Pending++
		case StatusRecovered:
			st.Recovered++
		}
		st.Total++
		return true
	})
	if err != nil {
		return Stats{}, fmt.Errorf("scan stats: %w", err)
	}
	return st, nil
}

// Close releases the id sequence and closes the database.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.seq.Release(); err != nil {
		s.logger.Warn("failed to release task id sequence", slog.String("error", err.Error()))
	}
	return s.db.Close()
}
