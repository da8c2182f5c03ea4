// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the transactional contract over the version ledger.
//
// # Contract
//
// A Txn is a scoped unit of work. Everything done through it becomes visible
// atomically on Commit, or not at all on Discard. Callers must always Discard;
// Discard after Commit is a no-op, which makes the usual pattern safe:
//
//	txn, err := store.Txn(ctx)
//	if err != nil {
//	    return err
//	}
//	defer txn.Discard()
//	// ... operate ...
//	return txn.Commit()
//
// WithTxn packages that pattern.
//
// # Isolation
//
// Two transactions that read and then write the same client must be
// equivalent to some serial order. Transactions on different clients must not
// block or conflict with each other. Nothing stronger is required.
//
// Implementations:
//   - memory: in-process reference store
//   - badger: durable store on BadgerDB
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
)

var (
	// ErrAlreadyExists is returned by NewClient when the client exists.
	ErrAlreadyExists = errors.New("client already exists")

	// ErrClientNotFound is returned by AddVersion for an unknown client.
	ErrClientNotFound = errors.New("client not found")

	// ErrTxnDone is returned by operations on a committed or discarded txn.
	ErrTxnDone = errors.New("transaction already committed or discarded")

	// ErrConflict is returned by Commit when the backend detected a
	// serialization failure. Nothing was written; the whole transaction may
	// be re-run from the start.
	ErrConflict = errors.New("transaction conflict")

	// ErrClosed is returned by Txn once the storage is closed.
	ErrClosed = errors.New("storage closed")
)

// Storage opens transactions over the ledger.
type Storage interface {
	// Txn begins a read-write transaction. ctx bounds lock waits made by
	// the transaction's operations.
	Txn(ctx context.Context) (Txn, error)

	// Close releases the backend. Open transactions must be finished first.
	Close() error
}

// Txn is a single transaction. A Txn is not safe for concurrent use.
type Txn interface {
	// GetClient returns the client record, or nil if there is none.
	GetClient(clientID ledger.ClientID) (*ledger.Client, error)

	// NewClient creates a client record pointing at latestVersionID.
	NewClient(clientID ledger.ClientID, latestVersionID ledger.VersionID) error

	// AddVersion stores a new version with the given parent and advances
	// the client's latest version to it. The parent is not checked against
	// the current head; that is the caller's job.
	AddVersion(clientID ledger.ClientID, parentVersionID ledger.VersionID, historySegment []byte) (ledger.VersionID, error)

	// GetVersion returns the version with the given id, or nil.
	GetVersion(clientID ledger.ClientID, versionID ledger.VersionID) (*ledger.Version, error)

	// GetChildVersion returns the version whose parent is parentVersionID,
	// or nil if the chain has no such version.
	GetChildVersion(clientID ledger.ClientID, parentVersionID ledger.VersionID) (*ledger.Version, error)

	// Commit applies every operation made through the transaction.
	Commit() error

	// Discard abandons the transaction. Safe to call at any time, any
	// number of times.
	Discard()
}

// WithTxn runs fn inside a transaction.
//
// # Description
//
// Opens a transaction, runs fn, and commits if fn returns nil. The
// transaction is discarded on every other path, including a panic in fn.
//
// # Inputs
//
//   - ctx: Passed to Storage.Txn.
//   - s: The storage to use.
//   - fn: Work to run. Its error is returned unchanged.
//
// # Outputs
//
//   - error: From opening, from fn, or from Commit.
func WithTxn(ctx context.Context, s Storage, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn, err := s.Txn(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
