// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"testing"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return New()
	})
}

func TestStorage_ClosedRejectsTxn(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Txn(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStorage_CommitAfterCloseFails(t *testing.T) {
	s := New()
	txn, err := s.Txn(context.Background())
	require.NoError(t, err)
	require.NoError(t, txn.NewClient(ledger.NewClientID(), ledger.NoVersionID))

	require.NoError(t, s.Close())

	assert.ErrorIs(t, txn.Commit(), storage.ErrClosed)
	assert.Equal(t, 0, s.locks.Len(), "locks must be released on failed commit")
}

func TestStorage_LocksReleasedOnFinish(t *testing.T) {
	s := New()

	txn, err := s.Txn(context.Background())
	require.NoError(t, err)
	_, err = txn.GetClient(ledger.NewClientID())
	require.NoError(t, err)
	_, err = txn.GetClient(ledger.NewClientID())
	require.NoError(t, err)
	assert.Equal(t, 2, s.locks.Len())

	txn.Discard()
	assert.Equal(t, 0, s.locks.Len())
}
