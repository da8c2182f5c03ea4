// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger is the durable storage backend, built on BadgerDB.
//
// BadgerDB gives serializable snapshot isolation: a read-write transaction
// whose reads were invalidated by a concurrent commit fails at Commit with
// badger.ErrConflict. This package maps that to storage.ErrConflict and, on
// top, takes the shared per-client lock so same-client transactions queue
// instead of conflicting.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the version store's database.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory keeps everything in memory. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. An accepted version must survive a
	// crash, so production keeps this on.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it, and it
	// never runs for in-memory databases.
	GCInterval time.Duration

	// GCDiscardRatio is the fraction of a value log file that must be stale
	// before GC rewrites it. Must be in (0, 1) when GC is enabled.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes and a
// 5-minute value log GC at a 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// Validate reports a configuration OpenDB would refuse.
func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent database")
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("gc interval must not be negative, got %s", c.GCInterval)
	}
	if c.gcEnabled() && (c.GCDiscardRatio <= 0 || c.GCDiscardRatio >= 1) {
		return fmt.Errorf("gc discard ratio must be between 0 and 1 exclusive, got %v", c.GCDiscardRatio)
	}
	return nil
}

func (c Config) gcEnabled() bool {
	return c.GCInterval > 0 && !c.InMemory
}

// options maps Config onto BadgerDB options.
//
// Version records are written once and the client head only needs its newest
// value, so one version per key is kept. Conflict detection stays on: it is
// what turns a stale read into storage.ErrConflict at commit.
func (c Config) options() badger.Options {
	dir := c.Path
	if c.InMemory {
		dir = ""
	}
	var logger badger.Logger
	if c.Logger != nil {
		logger = &slogAdapter{logger: c.Logger}
	}
	return badger.DefaultOptions(dir).
		WithInMemory(c.InMemory).
		WithSyncWrites(c.SyncWrites).
		WithDetectConflicts(true).
		WithNumVersionsToKeep(1).
		WithLogger(logger)
}

// slogAdapter routes BadgerDB's printf-style logs to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) log(level slog.Level, format string, args []interface{}) {
	ctx := context.Background()
	if !a.logger.Enabled(ctx, level) {
		return
	}
	a.logger.Log(ctx, level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a *slogAdapter) Errorf(format string, args ...interface{}) {
	a.log(slog.LevelError, format, args)
}

func (a *slogAdapter) Warningf(format string, args ...interface{}) {
	a.log(slog.LevelWarn, format, args)
}

func (a *slogAdapter) Infof(format string, args ...interface{}) {
	a.log(slog.LevelInfo, format, args)
}

func (a *slogAdapter) Debugf(format string, args ...interface{}) {
	a.log(slog.LevelDebug, format, args)
}

// GCStats summarizes value log GC since the database was opened.
type GCStats struct {
	// Cycles is the number of ticks on which GC ran.
	Cycles int64

	// Rewrites is the number of value log files rewritten.
	Rewrites int64

	// Errors counts cycles that stopped on an error other than
	// badger.ErrNoRewrite.
	Errors int64
}

// maxRewritesPerCycle bounds how many value log files one tick may rewrite,
// so a large backlog does not monopolize the disk.
const maxRewritesPerCycle = 16

// gcLoop runs value log GC on a ticker until stopped.
type gcLoop struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	cycles   atomic.Int64
	rewrites atomic.Int64
	errs     atomic.Int64
}

func newGCLoop(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcLoop {
	return &gcLoop{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (g *gcLoop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.loop(ctx)
}

// stop cancels the loop and waits for an in-flight cycle to finish. The
// database must stay open until stop returns.
func (g *gcLoop) stop() {
	g.cancel()
	<-g.done
}

func (g *gcLoop) loop(ctx context.Context) {
	defer close(g.done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cycle(ctx)
		}
	}
}

// cycle rewrites value log files until BadgerDB finds none worth rewriting,
// the per-cycle bound is hit, or ctx ends. Returns the number rewritten.
func (g *gcLoop) cycle(ctx context.Context) int {
	g.cycles.Add(1)

	n := 0
	for n < maxRewritesPerCycle && ctx.Err() == nil {
		err := g.db.RunValueLogGC(g.ratio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			g.errs.Add(1)
			if g.logger != nil {
				g.logger.Warn("value log GC failed", "error", err, "rewritten", n)
			}
			break
		}
		n++
	}

	g.rewrites.Add(int64(n))
	if n > 0 && g.logger != nil {
		g.logger.Debug("value log GC rewrote files", "count", n)
	}
	return n
}

func (g *gcLoop) stats() GCStats {
	return GCStats{
		Cycles:   g.cycles.Load(),
		Rewrites: g.rewrites.Load(),
		Errors:   g.errs.Load(),
	}
}

// DB is an open BadgerDB plus its GC loop.
type DB struct {
	*badger.DB
	gc  *gcLoop
	cfg Config
}

// OpenDB validates cfg, opens the database, and starts value log GC when
// cfg enables it. Close stops GC before closing the database.
func OpenDB(cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.InMemory {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
	}

	db, err := badger.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{DB: db, cfg: cfg}
	if cfg.gcEnabled() {
		d.gc = newGCLoop(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		d.gc.start()
	}
	return d, nil
}

// GCStats reports value log GC activity. Zero when GC is disabled.
func (d *DB) GCStats() GCStats {
	if d.gc == nil {
		return GCStats{}
	}
	return d.gc.stats()
}

// Close stops GC, if running, and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.stop()
		d.gc = nil
	}
	return d.DB.Close()
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	if d.cfg.InMemory {
		return ""
	}
	return d.cfg.Path
}

// InMemory reports whether this is an in-memory database.
func (d *DB) InMemory() bool {
	return d.cfg.InMemory
}
