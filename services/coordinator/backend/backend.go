// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend is the client for the shared distributed backend.
//
// The backend is a Redis-class service providing namespaced FIFO queues, a
// TTL key-value cache, publish/subscribe channels and short-lived locks.
// It may be unreachable at any time, so every operation degrades to a
// sentinel (false / nil) instead of returning a transport error:
//
//	ok, err := b.PushItem(ctx, backend.QueueReports, report)
//	if err != nil {
//	    // caller bug: empty queue name, negative TTL, ...
//	}
//	if !ok {
//	    // backend unavailable, take the degraded path
//	}
//
// The only errors returned are ErrInvalidArgument (rejected before any I/O)
// and ErrUnavailable from Subscribe when no subscription could be made.
//
// # Key Layout
//
//	<namespace>:queue:<name>
//	<namespace>:state:<key>
//	<namespace>:channel:<name>
//	<namespace>:lock:<resource>
//
// # Queue Discipline
//
// Both the generic queues and the analysis task queue use tail-insert
// (RPUSH) and head-remove (BLPOP / LPOP), so push order equals pop order.
//
// # Modes
//
// A Backend is either ModeAttached (a real client that may or may not be
// reachable right now) or ModeDetached (no backend configured at all).
// Callers that need a policy for "no backend" check Mode() instead of
// testing for nil.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidArgument is returned for caller errors detected before I/O.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable is returned by Subscribe when the subscription could not
	// be established or was torn down by the client.
	ErrUnavailable = errors.New("backend unavailable")
)

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// =============================================================================
// Constants
// =============================================================================

// Well-known queue names.
const (
	QueueAnalysis = "analysis"
	QueueReports  = "reports"
)

// Well-known channel names.
const (
	ChannelAlerts = "alerts"
	ChannelRegime = "regime"
)

// Well-known state keys.
const (
	StateResources = "resources"
	StateRegime    = "regime"
)

// LockValue is the literal stored under a held lock key.
const LockValue = "LOCKED"

// DefaultNamespace prefixes every key when none is configured.
const DefaultNamespace = "labcoord"

// Mode distinguishes a configured backend from no backend at all.
type Mode int

const (
	// ModeAttached is a real backend client. It may still be unreachable.
	ModeAttached Mode = iota

	// ModeDetached means no backend is configured (single-instance mode).
	ModeDetached
)

// String returns "attached" or "detached".
func (m Mode) String() string {
	if m == ModeDetached {
		return "detached"
	}
	return "attached"
}

// =============================================================================
// Types
// =============================================================================

// AnalysisTask is the envelope pushed onto the analysis queue.
//
// Timestamp is Unix seconds with fractional part.
type AnalysisTask struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
}

// Handler processes one message received by Subscribe. Returned errors and
// panics are logged and never stop the receive loop.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Backend is the contract shared by the Redis client and the detached stub.
type Backend interface {
	// Mode reports whether a backend is configured.
	Mode() Mode

	// Connect establishes the connection. Returns false if unreachable.
	Connect(ctx context.Context) bool

	// IsConnected returns the cached state, re-validating with PING when the
	// cache is stale or the last known state was down.
	IsConnected(ctx context.Context) bool

	// HealthCheck pings unconditionally, reconnecting once on failure.
	HealthCheck(ctx context.Context) bool

	// PushItem appends item (JSON-encoded) to the tail of queue.
	PushItem(ctx context.Context, queue string, item any) (bool, error)

	// PopItem removes the head of queue, waiting up to timeout. A zero
	// timeout blocks until an item arrives or ctx ends. Returns nil when
	// nothing was popped.
	PopItem(ctx context.Context, queue string, timeout time.Duration) (json.RawMessage, error)

	// TryPopItem removes the head of queue without waiting.
	TryPopItem(ctx context.Context, queue string) (json.RawMessage, error)

	// QueueLength returns the number of items in queue.
	QueueLength(ctx context.Context, queue string) (int64, bool)

	// CacheState stores value (JSON-encoded) under key with a TTL.
	CacheState(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)

	// GetState returns the cached value for key, or nil.
	GetState(ctx context.Context, key string) (json.RawMessage, error)

	// PushAnalysisTask wraps payload as {type, data, timestamp} and appends
	// it to the analysis queue.
	PushAnalysisTask(ctx context.Context, taskType string, payload map[string]any) (bool, error)

	// PopAnalysisTask removes the oldest analysis task, waiting up to timeout.
	PopAnalysisTask(ctx context.Context, timeout time.Duration) (*AnalysisTask, error)

	// Publish broadcasts event (JSON-encoded) on channel.
	Publish(ctx context.Context, channel string, event any) (bool, error)

	// Subscribe runs a blocking receive loop on channel until ctx ends.
	// Run it on a dedicated goroutine.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// AcquireLock claims resource for ttl. Fails closed: false when the
	// backend cannot be reached.
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)

	// ReleaseLock drops the claim on resource.
	ReleaseLock(ctx context.Context, resource string) error

	// Close releases the connection pool.
	Close() error
}

// =============================================================================
// Keyspace
// =============================================================================

// Keyspace builds namespaced keys.
type Keyspace struct {
	Namespace string
}

// Queue returns "<ns>:queue:<name>".
func (k Keyspace) Queue(name string) string { return k.join("queue", name) }

// State returns "<ns>:state:<key>".
func (k Keyspace) State(key string) string { return k.join("state", key) }

// Channel returns "<ns>:channel:<name>".
func (k Keyspace) Channel(name string) string { return k.join("channel", name) }

// Lock returns "<ns>:lock:<resource>".
func (k Keyspace) Lock(resource string) string { return k.join("lock", resource) }

func (k Keyspace) join(kind, name string) string {
	ns := k.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + ":" + kind + ":" + name
}

// =============================================================================
// Validation
// =============================================================================

func requireName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidArg("%s name must not be empty", kind)
	}
	return nil
}

func requireTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return invalidArg("ttl must be positive, got %s", ttl)
	}
	return nil
}

// WaitOut blocks for timeout or until ctx ends, whichever comes first. A
// zero timeout waits for ctx. Pops that cannot be served use it so that
// polling callers do not spin.
func WaitOut(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func requireTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return invalidArg("timeout must not be negative, got %s", timeout)
	}
	return nil
}
