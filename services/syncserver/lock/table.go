// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides an in-process table of exclusive, per-key locks.
//
// Storage transactions take the lock for a client id the first time they
// touch that client and keep it until commit or discard. Two transactions on
// the same client are therefore serialized, while transactions on different
// clients never wait on each other.
//
// Entries are reference counted and removed once no holder or waiter remains,
// so the table does not grow with the number of clients ever seen.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Table maps keys to exclusive locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// lockEntry is one key's lock. sem has capacity 1; holding the lock means
// having sent into it. refs counts holders plus waiters.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for key is held or ctx is done.
//
// # Description
//
// Returns a release function that must be called exactly once to unlock.
// Extra calls to release are ignored. Locks are not reentrant: acquiring a key
// already held by the caller blocks until ctx is done.
//
// # Inputs
//
//   - ctx: Bounds the wait. Cancellation after the lock is held has no effect.
//   - key: Lock name.
//
// # Outputs
//
//   - func(): Releases the lock.
//   - error: Non-nil if ctx ended before the lock was acquired.
func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(key, e)
		return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) unref(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}
