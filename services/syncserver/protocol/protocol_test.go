// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"testing"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/stretchr/testify/assert"
)

func TestConstants(t *testing.T) {
	assert.Equal(t, "application/vnd.taskchampion.history-segment", HistorySegmentContentType)
	assert.Equal(t, "X-Version-Id", VersionIDHeader)
	assert.Equal(t, "X-Parent-Version-Id", ParentVersionIDHeader)
	assert.Equal(t, int64(104857600), DefaultMaxSegmentSize)
}

func TestPaths(t *testing.T) {
	clientID, err := ledger.ParseClientID("7b2a3c5e-1d4f-4e8a-9b6c-0f1e2d3c4b5a")
	assert.NoError(t, err)

	assert.Equal(t,
		"/client/7b2a3c5e-1d4f-4e8a-9b6c-0f1e2d3c4b5a/add-version/00000000-0000-0000-0000-000000000000",
		AddVersionPath(clientID, ledger.NoVersionID))
	assert.Equal(t,
		"/client/7b2a3c5e-1d4f-4e8a-9b6c-0f1e2d3c4b5a/get-child-version/00000000-0000-0000-0000-000000000000",
		ChildVersionPath(clientID, ledger.NoVersionID))
}
