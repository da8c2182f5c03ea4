// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/lock"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
	"github.com/dgraph-io/badger/v4"
)

// Key layout. IDs are stored as their raw 16 bytes.
//
//	c/<client>            -> latest version id (16 bytes)
//	v/<client>/<version>  -> versionRecord (JSON)
//	p/<client>/<parent>   -> child version id (16 bytes)
const (
	prefixClient  = 'c'
	prefixVersion = 'v'
	prefixChild   = 'p'
)

// versionRecord is the stored form of a ledger.Version. The ids of the version
// and its client are carried by the key.
type versionRecord struct {
	ParentVersionID ledger.VersionID `json:"parent_version_id"`
	HistorySegment  []byte           `json:"history_segment"`
}

func clientKey(clientID ledger.ClientID) []byte {
	k := make([]byte, 0, 2+16)
	k = append(k, prefixClient, '/')
	return append(k, clientID[:]...)
}

func pairKey(prefix byte, clientID ledger.ClientID, versionID ledger.VersionID) []byte {
	k := make([]byte, 0, 2+16+1+16)
	k = append(k, prefix, '/')
	k = append(k, clientID[:]...)
	k = append(k, '/')
	return append(k, versionID[:]...)
}

func decodeVersionID(raw []byte) (ledger.VersionID, error) {
	var id ledger.VersionID
	if len(raw) != len(id) {
		return ledger.NoVersionID, fmt.Errorf("corrupt version id: %d bytes", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Storage implements storage.Storage on a BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Individual transactions are not.
type Storage struct {
	db     *DB
	locks  *lock.Table
	closed atomic.Bool
}

// New wraps an open database. Close on the returned Storage closes db.
func New(db *DB) *Storage {
	return &Storage{db: db, locks: lock.NewTable()}
}

// Open opens a database with cfg and wraps it.
func Open(cfg Config) (*Storage, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// DB returns the underlying database.
func (s *Storage) DB() *DB {
	return s.db
}

// Txn begins a read-write BadgerDB transaction.
func (s *Storage) Txn(ctx context.Context) (storage.Txn, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	return &txn{
		store: s,
		ctx:   ctx,
		held:  make(map[ledger.ClientID]func()),
	}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// txn starts its BadgerDB transaction only once the first client lock is
// held, so its read snapshot is never older than the last commit on that
// client.
type txn struct {
	store *Storage
	ctx   context.Context
	btxn  *badger.Txn
	held  map[ledger.ClientID]func()
	done  bool
}

var _ storage.Txn = (*txn)(nil)

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
	if t.btxn == nil {
		if t.store.closed.Load() {
			return storage.ErrClosed
		}
		t.btxn = t.store.db.NewTransaction(true)
	}
	return nil
}

// getValue returns a copy of the value at key, or nil if absent.
func (t *txn) getValue(key []byte) ([]byte, error) {
	item, err := t.btxn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *txn) readClient(clientID ledger.ClientID) (*ledger.Client, error) {
	raw, err := t.getValue(clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("read client %s: %w", clientID, err)
	}
	if raw == nil {
		return nil, nil
	}
	latest, err := decodeVersionID(raw)
	if err != nil {
		return nil, fmt.Errorf("read client %s: %w", clientID, err)
	}
	return &ledger.Client{ID: clientID, LatestVersionID: latest}, nil
}

func (t *txn) readVersion(clientID ledger.ClientID, versionID ledger.VersionID) (*ledger.Version, error) {
	raw, err := t.getValue(pairKey(prefixVersion, clientID, versionID))
	if err != nil {
		return nil, fmt.Errorf("read version %s: %w", versionID, err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec versionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode version %s: %w", versionID, err)
	}
	return &ledger.Version{
		ID:              versionID,
		ClientID:        clientID,
		ParentVersionID: rec.ParentVersionID,
		HistorySegment:  rec.HistorySegment,
	}, nil
}

func (t *txn) GetClient(clientID ledger.ClientID) (*ledger.Client, error) {
	if err := t.enter(clientID); err != nil {
		return nil, err
	}
	return t.readClient(clientID)
}

func (t *txn) NewClient(clientID ledger.ClientID, latestVersionID ledger.VersionID) error {
	if err := t.enter(clientID); err != nil {
		return err
	}
	existing, err := t.readClient(clientID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("client %s: %w", clientID, storage.ErrAlreadyExists)
	}
	if err := t.btxn.Set(clientKey(clientID), latestVersionID[:]); err != nil {
		return fmt.Errorf("write client %s: %w", clientID, err)
	}
	return nil
}

func (t *txn) AddVersion(clientID ledger.ClientID, parentVersionID ledger.VersionID, historySegment []byte) (ledger.VersionID, error) {
	if err := t.enter(clientID); err != nil {
		return ledger.NoVersionID, err
	}
	client, err := t.readClient(clientID)
	if err != nil {
		return ledger.NoVersionID, err
	}
	if client == nil {
		return ledger.NoVersionID, fmt.Errorf("client %s: %w", clientID, storage.ErrClientNotFound)
	}

	versionID := ledger.NewVersionID()
	rec, err := json.Marshal(versionRecord{
		ParentVersionID: parentVersionID,
		HistorySegment:  historySegment,
	})
	if err != nil {
		return ledger.NoVersionID, fmt.Errorf("encode version: %w", err)
	}

	if err := t.btxn.Set(pairKey(prefixVersion, clientID, versionID), rec); err != nil {
		return ledger.NoVersionID, fmt.Errorf("write version %s: %w", versionID, err)
	}
	if err := t.btxn.Set(pairKey(prefixChild, clientID, parentVersionID), versionID[:]); err != nil {
		return ledger.NoVersionID, fmt.Errorf("write child index: %w", err)
	}
	if err := t.btxn.Set(clientKey(clientID), versionID[:]); err != nil {
		return ledger.NoVersionID, fmt.Errorf("advance client %s: %w", clientID, err)
	}
	return versionID, nil
}

func (t *txn) GetVersion(clientID ledger.ClientID, versionID ledger.VersionID) (*ledger.Version, error) {
	if err := t.enter(clientID); err != nil {
		return nil, err
	}
	return t.readVersion(clientID, versionID)
}

func (t *txn) GetChildVersion(clientID ledger.ClientID, parentVersionID ledger.VersionID) (*ledger.Version, error) {
	if err := t.enter(clientID); err != nil {
		return nil, err
	}
	raw, err := t.getValue(pairKey(prefixChild, clientID, parentVersionID))
	if err != nil {
		return nil, fmt.Errorf("read child index: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	childID, err := decodeVersionID(raw)
	if err != nil {
		return nil, fmt.Errorf("read child index: %w", err)
	}
	v, err := t.readVersion(clientID, childID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("child index for %s/%s points at missing version %s", clientID, parentVersionID, childID)
	}
	return v, nil
}

func (t *txn) Commit() error {
	if t.done {
		return storage.ErrTxnDone
	}
	defer t.finish()

	if t.btxn == nil {
		return nil
	}
	if err := t.btxn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		}
		return fmt.Errorf("badger commit: %w", err)
	}
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
	if t.btxn != nil {
		t.btxn.Discard()
	}
	for _, release := range t.held {
		release()
	}
	t.held = nil
}
