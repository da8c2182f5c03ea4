// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger defines the records kept by the sync server.
//
// Each client (a group of devices sharing one task database) owns a single
// linear chain of versions:
//
//	NoVersionID ◄── v1 ◄── v2 ◄── v3   (Client.LatestVersionID == v3)
//
// Every Version points at the version that was the chain head when it was
// accepted. No two versions of one client share a parent, so the chain never
// forks. Versions are immutable once written; only Client.LatestVersionID
// moves, and only forward by one step per accepted version.
package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// ClientID names one synchronization group. It is chosen by the caller; the
// server never generates one.
type ClientID uuid.UUID

// VersionID names one accepted version.
type VersionID uuid.UUID

// NoVersionID is the parent of the first version in every chain. It is never
// the id of a stored version.
var NoVersionID = VersionID(uuid.Nil)

// NewVersionID returns a fresh random version id.
//
// # Description
//
// Draws a version 4 UUID (122 random bits). The nil UUID is rejected so the
// result can never be mistaken for NoVersionID.
//
// # Outputs
//
//   - VersionID: A new id, distinct from NoVersionID.
func NewVersionID() VersionID {
	for {
		id := uuid.New()
		if id != uuid.Nil {
			return VersionID(id)
		}
	}
}

// NewClientID returns a fresh random client id. The server itself never calls
// this; it exists for clients and tests.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// ParseClientID parses the textual UUID form of a client id.
func ParseClientID(s string) (ClientID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, fmt.Errorf("invalid client id %q: %w", s, err)
	}
	return ClientID(id), nil
}

// ParseVersionID parses the textual UUID form of a version id. The nil UUID
// parses to NoVersionID.
func ParseVersionID(s string) (VersionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return VersionID{}, fmt.Errorf("invalid version id %q: %w", s, err)
	}
	return VersionID(id), nil
}

// String returns the canonical hyphenated form.
func (c ClientID) String() string { return uuid.UUID(c).String() }

// MarshalText implements encoding.TextMarshaler.
func (c ClientID) MarshalText() ([]byte, error) { return uuid.UUID(c).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClientID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(c).UnmarshalText(data)
}

// String returns the canonical hyphenated form.
func (v VersionID) String() string { return uuid.UUID(v).String() }

// IsNone reports whether v is NoVersionID.
func (v VersionID) IsNone() bool { return v == NoVersionID }

// MarshalText implements encoding.TextMarshaler.
func (v VersionID) MarshalText() ([]byte, error) { return uuid.UUID(v).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *VersionID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(v).UnmarshalText(data)
}

// Client is the per-client record. There is exactly one per ClientID.
type Client struct {
	ID ClientID

	// LatestVersionID is the head of the client's chain, or NoVersionID
	// before the first version is accepted.
	LatestVersionID VersionID
}

// Version is one accepted increment of a client's history.
type Version struct {
	ID              VersionID
	ClientID        ClientID
	ParentVersionID VersionID

	// HistorySegment is opaque to the server.
	HistorySegment []byte
}

// Clone returns a deep copy of v so stored segments are never aliased.
func (v Version) Clone() Version {
	if v.HistorySegment != nil {
		v.HistorySegment = append([]byte(nil), v.HistorySegment...)
	}
	return v
}
