// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol holds the wire constants of the sync HTTP protocol shared
// by the server handlers and the Go client.
package protocol

import (
	"fmt"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
)

const (
	// HistorySegmentContentType is the only accepted request body type for
	// add-version, and the body type of get-child-version responses.
	HistorySegmentContentType = "application/vnd.taskchampion.history-segment"

	// VersionIDHeader carries the id of an accepted or returned version.
	VersionIDHeader = "X-Version-Id"

	// ParentVersionIDHeader carries the expected parent on a conflict, or
	// the parent of a returned version.
	ParentVersionIDHeader = "X-Parent-Version-Id"

	// DefaultMaxSegmentSize is the largest accepted history segment (100 MiB).
	DefaultMaxSegmentSize int64 = 100 * 1024 * 1024
)

// AddVersionPath is the request path for appending after parentVersionID.
func AddVersionPath(clientID ledger.ClientID, parentVersionID ledger.VersionID) string {
	return fmt.Sprintf("/client/%s/add-version/%s", clientID, parentVersionID)
}

// ChildVersionPath is the request path for reading the child of parentVersionID.
func ChildVersionPath(clientID ledger.ClientID, parentVersionID ledger.VersionID) string {
	return fmt.Sprintf("/client/%s/get-child-version/%s", clientID, parentVersionID)
}
