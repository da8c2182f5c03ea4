// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTxn tracks lifecycle calls made by WithTxn.
type recordingTxn struct {
	committed bool
	discarded int
	commitErr error
}

func (r *recordingTxn) GetClient(ledger.ClientID) (*ledger.Client, error) { return nil, nil }
func (r *recordingTxn) NewClient(ledger.ClientID, ledger.VersionID) error { return nil }
func (r *recordingTxn) AddVersion(ledger.ClientID, ledger.VersionID, []byte) (ledger.VersionID, error) {
	return ledger.NewVersionID(), nil
}
func (r *recordingTxn) GetVersion(ledger.ClientID, ledger.VersionID) (*ledger.Version, error) {
	return nil, nil
}
func (r *recordingTxn) GetChildVersion(ledger.ClientID, ledger.VersionID) (*ledger.Version, error) {
	return nil, nil
}
func (r *recordingTxn) Commit() error {
	r.committed = true
	return r.commitErr
}
func (r *recordingTxn) Discard() { r.discarded++ }

type recordingStorage struct {
	txn     *recordingTxn
	openErr error
}

func (s *recordingStorage) Txn(context.Context) (Txn, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.txn, nil
}
func (s *recordingStorage) Close() error { return nil }

func TestWithTxn_CommitsOnSuccess(t *testing.T) {
	s := &recordingStorage{txn: &recordingTxn{}}

	err := WithTxn(context.Background(), s, func(txn Txn) error { return nil })

	require.NoError(t, err)
	assert.True(t, s.txn.committed)
	assert.Equal(t, 1, s.txn.discarded, "discard must run even after commit")
}

func TestWithTxn_DiscardsOnError(t *testing.T) {
	s := &recordingStorage{txn: &recordingTxn{}}
	boom := errors.New("boom")

	err := WithTxn(context.Background(), s, func(txn Txn) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.False(t, s.txn.committed)
	assert.Equal(t, 1, s.txn.discarded)
}

func TestWithTxn_DiscardsOnPanic(t *testing.T) {
	s := &recordingStorage{txn: &recordingTxn{}}

	assert.Panics(t, func() {
		_ = WithTxn(context.Background(), s, func(txn Txn) error { panic("bad") })
	})
	assert.False(t, s.txn.committed)
	assert.Equal(t, 1, s.txn.discarded)
}

func TestWithTxn_CommitErrorWrapped(t *testing.T) {
	s := &recordingStorage{txn: &recordingTxn{commitErr: ErrConflict}}

	err := WithTxn(context.Background(), s, func(txn Txn) error { return nil })

	assert.ErrorIs(t, err, ErrConflict)
}

func TestWithTxn_OpenError(t *testing.T) {
	s := &recordingStorage{openErr: ErrClosed}

	err := WithTxn(context.Background(), s, func(txn Txn) error {
		t.Fatal("fn must not run when the transaction cannot be opened")
		return nil
	})

	assert.ErrorIs(t, err, ErrClosed)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	s := &recordingStorage{txn: &recordingTxn{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithTxn(ctx, s, func(txn Txn) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.txn.discarded, "no transaction should have been opened")
}
