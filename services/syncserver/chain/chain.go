// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain implements the version chain extension protocol.
//
// # Description
//
// A client proposes a new version by naming the version it believes is the
// current head of its chain. The proposal is accepted only if that belief is
// correct; otherwise the caller is told the actual head so it can fetch the
// versions it is missing, rebase, and try again.
//
// The functions in this file run inside a caller-supplied transaction and do
// no locking of their own. Serializability comes from the storage layer. The
// Service type wraps them with transaction scoping, retries, metrics, and
// tracing.
package chain

import (
	"fmt"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
)

// Outcome is the result of an extension attempt.
type Outcome int

const (
	// Accepted means the version was stored and is the new head.
	Accepted Outcome = iota + 1

	// Conflict means the proposed parent was not the head. The transaction
	// must be discarded; its only write is a staged bootstrap client record.
	Conflict
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// AddVersionResult reports what AddVersion decided.
type AddVersionResult struct {
	Outcome Outcome

	// VersionID is the id of the new version. Set when Accepted.
	VersionID ledger.VersionID

	// ExpectedParentVersionID is the current head. Set when Conflict; it is
	// NoVersionID if the client has no versions yet.
	ExpectedParentVersionID ledger.VersionID
}

// AddVersion attempts to append a version to the client's chain.
//
// # Description
//
// Reads the client record, creating it with NoVersionID as head if this is
// the first time the client is seen. If parentVersionID equals the head, a
// new version is stored and becomes the head. Otherwise the attempt is
// rejected and the head is reported.
//
// The caller commits the transaction when Accepted and discards it when
// Conflict, so a rejected attempt leaves storage untouched, including the
// client record staged for a first-seen client.
//
// # Inputs
//
//   - txn: An open transaction. Not committed or discarded here.
//   - clientID: The client whose chain is extended.
//   - parentVersionID: The version the caller believes is the head.
//   - historySegment: Opaque payload. Stored as given.
//
// # Outputs
//
//   - AddVersionResult: Accepted with the new id, or Conflict with the head.
//   - error: Any storage failure. The transaction should be discarded.
//
// # Examples
//
//	AddVersion(txn, c1, ledger.NoVersionID, seg1) // Accepted(v1)
//	AddVersion(txn, c1, v1, seg2)                 // Accepted(v2)
//	AddVersion(txn, c1, v1, seg3)                 // Conflict(v2)
func AddVersion(txn storage.Txn, clientID ledger.ClientID, parentVersionID ledger.VersionID, historySegment []byte) (AddVersionResult, error) {
	client, err := txn.GetClient(clientID)
	if err != nil {
		return AddVersionResult{}, fmt.Errorf("get client: %w", err)
	}
	if client == nil {
		if err := txn.NewClient(clientID, ledger.NoVersionID); err != nil {
			return AddVersionResult{}, fmt.Errorf("create client: %w", err)
		}
		client = &ledger.Client{ID: clientID, LatestVersionID: ledger.NoVersionID}
	}

	if client.LatestVersionID != parentVersionID {
		return AddVersionResult{
			Outcome:                 Conflict,
			ExpectedParentVersionID: client.LatestVersionID,
		}, nil
	}

	versionID, err := txn.AddVersion(clientID, parentVersionID, historySegment)
	if err != nil {
		return AddVersionResult{}, fmt.Errorf("add version: %w", err)
	}
	return AddVersionResult{Outcome: Accepted, VersionID: versionID}, nil
}

// GetChildVersionResult reports what GetChildVersion found.
type GetChildVersionResult struct {
	// Found is false when the parent is the head, is not in the chain, or
	// the client is unknown.
	Found bool

	// Version is the child. Valid only when Found.
	Version ledger.Version
}

// GetChildVersion returns the version that directly follows parentVersionID.
//
// # Description
//
// This is the catch-up read. A client that was told Conflict(expected) walks
// forward from its last known version, one child at a time, until it reaches
// a version with no child. Because a chain never forks, the child of a given
// parent is unique.
func GetChildVersion(txn storage.Txn, clientID ledger.ClientID, parentVersionID ledger.VersionID) (GetChildVersionResult, error) {
	v, err := txn.GetChildVersion(clientID, parentVersionID)
	if err != nil {
		return GetChildVersionResult{}, fmt.Errorf("get child version: %w", err)
	}
	if v == nil {
		return GetChildVersionResult{}, nil
	}
	return GetChildVersionResult{Found: true, Version: *v}, nil
}
