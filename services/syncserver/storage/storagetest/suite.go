// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storagetest holds the behavioural tests every storage.Storage
// implementation must pass. Backends call Run from their own _test.go files.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty storage. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes the full contract suite against storages built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"GetClientAbsent", testGetClientAbsent},
		{"NewClientVisibleInTxnAndAfterCommit", testNewClientVisible},
		{"NewClientAlreadyExists", testNewClientAlreadyExists},
		{"AddVersionUnknownClient", testAddVersionUnknownClient},
		{"AddVersionAdvancesLatest", testAddVersionAdvancesLatest},
		{"ChildVersionIndex", testChildVersionIndex},
		{"DiscardLeavesNoTrace", testDiscardLeavesNoTrace},
		{"FinishedTxnRejectsOperations", testFinishedTxn},
		{"SegmentsAreCopied", testSegmentsAreCopied},
		{"SameClientTxnsSerialize", testSameClientSerialize},
		{"DistinctClientsDoNotBlock", testDistinctClientsDoNotBlock},
		{"ConcurrentCompareAndSwap", testConcurrentCompareAndSwap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStorage(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func begin(t *testing.T, s storage.Storage) storage.Txn {
	t.Helper()
	txn, err := s.Txn(context.Background())
	require.NoError(t, err)
	return txn
}

func testGetClientAbsent(t *testing.T, s storage.Storage) {
	txn := begin(t, s)
	defer txn.Discard()

	c, err := txn.GetClient(ledger.NewClientID())
	require.NoError(t, err)
	assert.Nil(t, c)
}

func testNewClientVisible(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()
	latest := ledger.NewVersionID()

	txn := begin(t, s)
	require.NoError(t, txn.NewClient(clientID, latest))
	c, err := txn.GetClient(clientID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, latest, c.LatestVersionID)
	require.NoError(t, txn.Commit())
	txn.Discard()

	txn = begin(t, s)
	defer txn.Discard()
	c, err = txn.GetClient(clientID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ledger.Client{ID: clientID, LatestVersionID: latest}, *c)
}

func testNewClientAlreadyExists(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()

	txn := begin(t, s)
	require.NoError(t, txn.NewClient(clientID, ledger.NoVersionID))
	err := txn.NewClient(clientID, ledger.NoVersionID)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.NoError(t, txn.Commit())

	txn = begin(t, s)
	defer txn.Discard()
	err = txn.NewClient(clientID, ledger.NoVersionID)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func testAddVersionUnknownClient(t *testing.T, s storage.Storage) {
	txn := begin(t, s)
	defer txn.Discard()

	_, err := txn.AddVersion(ledger.NewClientID(), ledger.NoVersionID, []byte("x"))
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func testAddVersionAdvancesLatest(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()

	txn := begin(t, s)
	require.NoError(t, txn.NewClient(clientID, ledger.NoVersionID))
	v1, err := txn.AddVersion(clientID, ledger.NoVersionID, []byte("seg1"))
	require.NoError(t, err)
	assert.False(t, v1.IsNone())
	v2, err := txn.AddVersion(clientID, v1, []byte("seg2"))
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
	require.NoError(t, txn.Commit())

	txn = begin(t, s)
	defer txn.Discard()

	c, err := txn.GetClient(clientID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, v2, c.LatestVersionID)

	got, err := txn.GetVersion(clientID, v2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.Version{
		ID:              v2,
		ClientID:        clientID,
		ParentVersionID: v1,
		HistorySegment:  []byte("seg2"),
	}, *got)

	missing, err := txn.GetVersion(clientID, ledger.NewVersionID())
	require.NoError(t, err)
	assert.Nil(t, missing)

	otherClient, err := txn.GetVersion(ledger.NewClientID(), v2)
	require.NoError(t, err)
	assert.Nil(t, otherClient, "versions are scoped to their client")
}

func testChildVersionIndex(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()

	var v1, v2 ledger.VersionID
	err := storage.WithTxn(context.Background(), s, func(txn storage.Txn) error {
		if err := txn.NewClient(clientID, ledger.NoVersionID); err != nil {
			return err
		}
		var err error
		if v1, err = txn.AddVersion(clientID, ledger.NoVersionID, []byte("a")); err != nil {
			return err
		}
		v2, err = txn.AddVersion(clientID, v1, []byte("b"))
		return err
	})
	require.NoError(t, err)

	txn := begin(t, s)
	defer txn.Discard()

	first, err := txn.GetChildVersion(clientID, ledger.NoVersionID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, v1, first.ID)
	assert.Equal(t, []byte("a"), first.HistorySegment)

	second, err := txn.GetChildVersion(clientID, v1)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, v2, second.ID)
	assert.Equal(t, v1, second.ParentVersionID)

	none, err := txn.GetChildVersion(clientID, v2)
	require.NoError(t, err)
	assert.Nil(t, none, "the head has no child")
}

func testDiscardLeavesNoTrace(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()

	txn := begin(t, s)
	require.NoError(t, txn.NewClient(clientID, ledger.NoVersionID))
	v1, err := txn.AddVersion(clientID, ledger.NoVersionID, []byte("seg"))
	require.NoError(t, err)
	txn.Discard()

	txn = begin(t, s)
	defer txn.Discard()
	c, err := txn.GetClient(clientID)
	require.NoError(t, err)
	assert.Nil(t, c)
	v, err := txn.GetVersion(clientID, v1)
	require.NoError(t, err)
	assert.Nil(t, v)
	child, err := txn.GetChildVersion(clientID, ledger.NoVersionID)
	require.NoError(t, err)
	assert.Nil(t, child)
}

func testFinishedTxn(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()

	txn := begin(t, s)
	require.NoError(t, txn.NewClient(clientID, ledger.NoVersionID))
	require.NoError(t, txn.Commit())
	txn.Discard()
	txn.Discard()

	_, err := txn.GetClient(clientID)
	assert.ErrorIs(t, err, storage.ErrTxnDone)
	_, err = txn.AddVersion(clientID, ledger.NoVersionID, []byte("x"))
	assert.ErrorIs(t, err, storage.ErrTxnDone)
	assert.ErrorIs(t, txn.Commit(), storage.ErrTxnDone)

	discarded := begin(t, s)
	discarded.Discard()
	assert.ErrorIs(t, discarded.NewClient(ledger.NewClientID(), ledger.NoVersionID), storage.ErrTxnDone)
}

func testSegmentsAreCopied(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()
	segment := []byte("original")

	var v1 ledger.VersionID
	err := storage.WithTxn(context.Background(), s, func(txn storage.Txn) error {
		if err := txn.NewClient(clientID, ledger.NoVersionID); err != nil {
			return err
		}
		var err error
		v1, err = txn.AddVersion(clientID, ledger.NoVersionID, segment)
		return err
	})
	require.NoError(t, err)
	segment[0] = 'X'

	txn := begin(t, s)
	defer txn.Discard()
	got, err := txn.GetVersion(clientID, v1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("original"), got.HistorySegment)

	got.HistorySegment[0] = 'Y'
	again, err := txn.GetVersion(clientID, v1)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again.HistorySegment)
}

func testSameClientSerialize(t *testing.T, s storage.Storage) {
	clientID := ledger.NewClientID()

	holder := begin(t, s)
	_, err := holder.GetClient(clientID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	waiter, err := s.Txn(ctx)
	require.NoError(t, err)
	_, err = waiter.GetClient(clientID)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second txn on the same client must wait")
	waiter.Discard()

	holder.Discard()

	after := begin(t, s)
	defer after.Discard()
	_, err = after.GetClient(clientID)
	assert.NoError(t, err, "lock must be free once the holder is discarded")
}

func testDistinctClientsDoNotBlock(t *testing.T, s storage.Storage) {
	holder := begin(t, s)
	defer holder.Discard()
	_, err := holder.GetClient(ledger.NewClientID())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := s.Txn(ctx)
	require.NoError(t, err)
	defer other.Discard()
	require.NoError(t, other.NewClient(ledger.NewClientID(), ledger.NoVersionID))
	require.NoError(t, other.Commit())
}

// testConcurrentCompareAndSwap races read-check-write transactions that all
// expect the same parent. Exactly one may append.
func testConcurrentCompareAndSwap(t *testing.T, s storage.Storage) {
	const workers = 16
	clientID := ledger.NewClientID()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []ledger.VersionID
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 5; attempt++ {
				var won ledger.VersionID
				err := storage.WithTxn(context.Background(), s, func(txn storage.Txn) error {
					c, err := txn.GetClient(clientID)
					if err != nil {
						return err
					}
					if c == nil {
						if err := txn.NewClient(clientID, ledger.NoVersionID); err != nil {
							return err
						}
						c = &ledger.Client{ID: clientID}
					}
					if c.LatestVersionID != ledger.NoVersionID {
						return nil
					}
					won, err = txn.AddVersion(clientID, ledger.NoVersionID, []byte("x"))
					return err
				})
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				if !won.IsNone() {
					mu.Lock()
					winners = append(winners, won)
					mu.Unlock()
				}
				return
			}
			t.Error("exhausted retries")
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)

	txn := begin(t, s)
	defer txn.Discard()
	c, err := txn.GetClient(clientID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, winners[0], c.LatestVersionID)
}
