// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory is the in-process reference implementation of
// storage.Storage. It backs tests and the "memory" storage backend.
//
// Writes are staged inside the transaction and applied in one step at
// Commit. A transaction takes its client's lock from the shared lock table on
// first touch and releases it at Commit or Discard. A transaction that touches
// several clients locks them in the order it touches them; callers that do
// this must use a consistent order.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/lock"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
)

type versionKey struct {
	client  ledger.ClientID
	version ledger.VersionID
}

// Storage keeps the ledger in maps.
//
// # Thread Safety
//
// Safe for concurrent use. Individual transactions are not.
type Storage struct {
	mu       sync.RWMutex
	clients  map[ledger.ClientID]ledger.Client
	versions map[versionKey]ledger.Version
	children map[versionKey]ledger.VersionID // (client, parent) -> child
	closed   bool

	locks *lock.Table
}

// New creates an empty store.
func New() *Storage {
	return &Storage{
		clients:  make(map[ledger.ClientID]ledger.Client),
		versions: make(map[versionKey]ledger.Version),
		children: make(map[versionKey]ledger.VersionID),
		locks:    lock.NewTable(),
	}
}

// Txn begins a transaction.
func (s *Storage) Txn(ctx context.Context) (storage.Txn, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, storage.ErrClosed
	}
	return &txn{
		store:    s,
		ctx:      ctx,
		held:     make(map[ledger.ClientID]func()),
		clients:  make(map[ledger.ClientID]ledger.Client),
		versions: make(map[versionKey]ledger.Version),
		children: make(map[versionKey]ledger.VersionID),
	}, nil
}

// Close marks the store closed. Data is kept so a closed store can still be
// inspected in tests.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// txn holds staged writes and the client locks it has taken.
type txn struct {
	store *Storage
	ctx   context.Context
	held  map[ledger.ClientID]func()
	done  bool

	clients  map[ledger.ClientID]ledger.Client
	versions map[versionKey]ledger.Version
	children map[versionKey]ledger.VersionID
}

var _ storage.Txn = (*txn)(nil)

// enter checks the txn is live and holds clientID's lock.
func (t *txn) enter(clientID ledger.ClientID) error {
	if t.done {
		return storage.ErrTxnDone
	}
	if _, ok := t.held[clientID]; ok {
		return nil
	}
	release, err := t.store.locks.Acquire(t.ctx, clientID.String())
	if err != nil {
		return fmt.Errorf("lock client %s: %w", clientID, err)
	}
	t.held[clientID] = release
	return nil
}

func (t *txn) lookupClient(clientID ledger.ClientID) (ledger.Client, bool) {
	if c, ok := t.clients[clientID]; ok {
		return c, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	c, ok := t.store.clients[clientID]
	return c, ok
}

func (t *txn) lookupVersion(key versionKey) (ledger.Version, bool) {
	if v, ok := t.versions[key]; ok {
		return v, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	v, ok := t.store.versions[key]
	return v, ok
}

func (t *txn) lookupChild(key versionKey) (ledger.VersionID, bool) {
	if id, ok := t.children[key]; ok {
		return id, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := t.store.children[key]
	return id, ok
}

func (t *txn) GetClient(clientID ledger.ClientID) (*ledger.Client, error) {
	if err := t.enter(clientID); err != nil {
		return nil, err
	}
	c, ok := t.lookupClient(clientID)
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *txn) NewClient(clientID ledger.ClientID, latestVersionID ledger.VersionID) error {
	if err := t.enter(clientID); err != nil {
		return err
	}
	if _, ok := t.lookupClient(clientID); ok {
		return fmt.Errorf("client %s: %w", clientID, storage.ErrAlreadyExists)
	}
	t.clients[clientID] = ledger.Client{ID: clientID, LatestVersionID: latestVersionID}
	return nil
}

func (t *txn) AddVersion(clientID ledger.ClientID, parentVersionID ledger.VersionID, historySegment []byte) (ledger.VersionID, error) {
	if err := t.enter(clientID); err != nil {
		return ledger.NoVersionID, err
	}
	client, ok := t.lookupClient(clientID)
	if !ok {
		return ledger.NoVersionID, fmt.Errorf("client %s: %w", clientID, storage.ErrClientNotFound)
	}

	v := ledger.Version{
		ID:              ledger.NewVersionID(),
		ClientID:        clientID,
		ParentVersionID: parentVersionID,
		HistorySegment:  historySegment,
	}.Clone()

	t.versions[versionKey{clientID, v.ID}] = v
	t.children[versionKey{clientID, parentVersionID}] = v.ID
	client.LatestVersionID = v.ID
	t.clients[clientID] = client
	return v.ID, nil
}

func (t *txn) GetVersion(clientID ledger.ClientID, versionID ledger.VersionID) (*ledger.Version, error) {
	if err := t.enter(clientID); err != nil {
		return nil, err
	}
	v, ok := t.lookupVersion(versionKey{clientID, versionID})
	if !ok {
		return nil, nil
	}
	v = v.Clone()
	return &v, nil
}

func (t *txn) GetChildVersion(clientID ledger.ClientID, parentVersionID ledger.VersionID) (*ledger.Version, error) {
	if err := t.enter(clientID); err != nil {
		return nil, err
	}
	childID, ok := t.lookupChild(versionKey{clientID, parentVersionID})
	if !ok {
		return nil, nil
	}
	v, ok := t.lookupVersion(versionKey{clientID, childID})
	if !ok {
		return nil, fmt.Errorf("child index for %s/%s points at missing version %s", clientID, parentVersionID, childID)
	}
	v = v.Clone()
	return &v, nil
}

func (t *txn) Commit() error {
	if t.done {
		return storage.ErrTxnDone
	}

	t.store.mu.Lock()
	if t.store.closed {
		t.store.mu.Unlock()
		t.finish()
		return storage.ErrClosed
	}
	for id, c := range t.clients {
		t.store.clients[id] = c
	}
	for k, v := range t.versions {
		t.store.versions[k] = v
	}
	for k, id := range t.children {
		t.store.children[k] = id
	}
	t.store.mu.Unlock()

	t.finish()
	return nil
}

func (t *txn) Discard() {
	if t.done {
		return
	}
	t.finish()
}

func (t *txn) finish() {
	t.done = true
	for _, release := range t.held {
		release()
	}
	t.held = nil
	t.clients = nil
	t.versions = nil
	t.children = nil
}
