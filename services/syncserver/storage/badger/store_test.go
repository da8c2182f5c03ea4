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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	return s
}

// =============================================================================
// Contract
// =============================================================================

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return openInMemory(t)
	})
}

// =============================================================================
// Persistence
// =============================================================================

func TestStorage_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)

	clientID := ledger.NewClientID()
	var v1 ledger.VersionID
	err = storage.WithTxn(context.Background(), s, func(txn storage.Txn) error {
		if err := txn.NewClient(clientID, ledger.NoVersionID); err != nil {
			return err
		}
		var err error
		v1, err = txn.AddVersion(clientID, ledger.NoVersionID, []byte("durable"))
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	txn, err := reopened.Txn(context.Background())
	require.NoError(t, err)
	defer txn.Discard()

	c, err := txn.GetClient(clientID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, v1, c.LatestVersionID)

	child, err := txn.GetChildVersion(clientID, ledger.NoVersionID)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, []byte("durable"), child.HistorySegment)
}

// =============================================================================
// Conflict mapping
// =============================================================================

// TestTxn_CommitConflictMapsToStorageError bypasses the client lock so that
// BadgerDB's own conflict detection fires.
func TestTxn_CommitConflictMapsToStorageError(t *testing.T) {
	s := openInMemory(t)
	defer s.Close()

	clientID := ledger.NewClientID()
	stale := &txn{
		store: s,
		ctx:   context.Background(),
		btxn:  s.db.NewTransaction(true),
		held:  map[ledger.ClientID]func(){clientID: func() {}},
	}
	existing, err := stale.readClient(clientID)
	require.NoError(t, err)
	require.Nil(t, existing)

	err = storage.WithTxn(context.Background(), s, func(txn storage.Txn) error {
		return txn.NewClient(clientID, ledger.NoVersionID)
	})
	require.NoError(t, err)

	require.NoError(t, stale.btxn.Set(clientKey(clientID), ledger.NoVersionID[:]))
	err = stale.Commit()
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestStorage_CloseIsIdempotent(t *testing.T) {
	s := openInMemory(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Txn(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
}

// =============================================================================
// Config
// =============================================================================

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{InMemory: false, Path: ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig has SyncWrites", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Equal(t, 0.5, cfg.GCDiscardRatio)
	})

	t.Run("InMemoryConfig has InMemory", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with path", func(c *Config) {}, ""},
		{"missing path", func(c *Config) { c.Path = "" }, "path is required"},
		{"negative interval", func(c *Config) { c.GCInterval = -time.Second }, "must not be negative"},
		{"zero ratio", func(c *Config) { c.GCDiscardRatio = 0 }, "discard ratio"},
		{"ratio of one", func(c *Config) { c.GCDiscardRatio = 1 }, "discard ratio"},
		{"ratio ignored when GC off", func(c *Config) { c.GCInterval = 0; c.GCDiscardRatio = 7 }, ""},
		{"ratio ignored in memory", func(c *Config) { c.InMemory = true; c.Path = ""; c.GCDiscardRatio = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Path = "/var/lib/sync"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOpenDB_RejectsBadDiscardRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCDiscardRatio = 1.5

	_, err := OpenDB(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discard ratio")
}

func TestOpenDB_StartsGCForPersistent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = time.Hour

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.NotNil(t, db.gc)
	assert.Equal(t, cfg.Path, db.Path())
	assert.False(t, db.InMemory())
	assert.Equal(t, GCStats{}, db.GCStats())
	require.NoError(t, db.Close())
}

func TestOpenDB_NoGCInMemory(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.GCInterval = time.Millisecond

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	assert.Nil(t, db.gc)
	assert.Equal(t, "", db.Path())
	assert.True(t, db.InMemory())
}

func TestGCLoop_CycleOnFreshDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	// A fresh database has nothing worth rewriting.
	g := newGCLoop(db.DB, time.Hour, 0.5, nil)
	assert.Equal(t, 0, g.cycle(context.Background()))
	assert.Equal(t, GCStats{Cycles: 1}, g.stats())
}

func TestGCLoop_CycleCountsErrors(t *testing.T) {
	s := openInMemory(t)
	defer s.Close()

	// BadgerDB refuses value log GC in memory mode.
	g := newGCLoop(s.DB().DB, time.Hour, 0.5, nil)
	assert.Equal(t, 0, g.cycle(context.Background()))
	assert.Equal(t, GCStats{Cycles: 1, Errors: 1}, g.stats())
}

func TestGCLoop_StopWaitsForLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	g := newGCLoop(db.DB, time.Millisecond, 0.5, nil)
	g.start()
	require.Eventually(t, func() bool { return g.stats().Cycles > 0 }, 5*time.Second, 5*time.Millisecond)
	g.stop()

	select {
	case <-g.done:
	default:
		t.Fatal("loop still running after stop")
	}
}
