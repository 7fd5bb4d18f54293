// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reports

import "sync"

// Buffer is a fixed-capacity FIFO that drops its oldest entry to make room.
//
// Insertion order is never rearranged; ranking happens on read.
//
// Thread Safety: Safe for concurrent use.
type Buffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	dropped  int64
	mu       sync.Mutex
}

// NewBuffer creates a buffer holding at most capacity items.
// Panics if capacity is not positive.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("report buffer capacity must be positive")
	}
	return &Buffer[T]{items: make([]T, capacity), capacity: capacity}
}

// Push appends item, evicting the oldest entry when full. Returns true if
// an entry was evicted.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.size) % b.capacity
	if b.size < b.capacity {
		b.items[tail] = item
		b.size++
		return false
	}
	// Full: tail == head, overwrite the oldest and advance.
	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.dropped++
	return true
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Size returns the number of buffered items.
func (b *Buffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of items.
func (b *Buffer[T]) Capacity() int { return b.capacity }

// Dropped returns how many items have been evicted since the last Clear.
func (b *Buffer[T]) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear empties the buffer and resets the eviction count.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head, b.size, b.dropped = 0, 0, 0
}
