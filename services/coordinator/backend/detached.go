// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Detached is the Backend used when no backend is configured.
//
// Every operation validates its arguments the same way RedisClient does and
// then reports "unavailable". Subscribe parks until ctx ends; the blocking
// pops wait out their timeout before returning nil.
type Detached struct{}

var _ Backend = Detached{}

// NewDetached returns the detached backend.
func NewDetached() Detached { return Detached{} }

func (Detached) Mode() Mode                                        { return ModeDetached }
func (Detached) Connect(context.Context) bool                      { return false }
func (Detached) IsConnected(context.Context) bool                  { return false }
func (Detached) HealthCheck(context.Context) bool                  { return false }
func (Detached) QueueLength(context.Context, string) (int64, bool) { return 0, false }
func (Detached) Close() error                                      { return nil }

func (Detached) PushItem(_ context.Context, queue string, _ any) (bool, error) {
	return false, requireName("queue", queue)
}

func (Detached) PopItem(ctx context.Context, queue string, timeout time.Duration) (json.RawMessage, error) {
	if err := requireName("queue", queue); err != nil {
		return nil, err
	}
	if err := requireTimeout(timeout); err != nil {
		return nil, err
	}
	WaitOut(ctx, timeout)
	return nil, nil
}

func (Detached) TryPopItem(_ context.Context, queue string) (json.RawMessage, error) {
	return nil, requireName("queue", queue)
}

func (Detached) CacheState(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	if err := requireName("state key", key); err != nil {
		return false, err
	}
	return false, requireTTL(ttl)
}

func (Detached) GetState(_ context.Context, key string) (json.RawMessage, error) {
	return nil, requireName("state key", key)
}

func (Detached) PushAnalysisTask(_ context.Context, taskType string, _ map[string]any) (bool, error) {
	return false, requireName("task type", taskType)
}

func (Detached) PopAnalysisTask(ctx context.Context, timeout time.Duration) (*AnalysisTask, error) {
	if err := requireTimeout(timeout); err != nil {
		return nil, err
	}
	WaitOut(ctx, timeout)
	return nil, nil
}

func (Detached) Publish(_ context.Context, channel string, _ any) (bool, error) {
	return false, requireName("channel", channel)
}

func (Detached) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if err := requireName("channel", channel); err != nil {
		return err
	}
	if handler == nil {
		return invalidArg("handler must not be nil")
	}
	<-ctx.Done()
	return nil
}

func (Detached) AcquireLock(_ context.Context, resource string, ttl time.Duration) (bool, error) {
	if err := requireName("resource", resource); err != nil {
		return false, err
	}
	return false, requireTTL(ttl)
}

func (Detached) ReleaseLock(_ context.Context, resource string) error {
	return requireName("resource", resource)
}
