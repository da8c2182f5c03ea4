// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes.
//
// # Description
//
// Watches the file's directory rather than the file itself so that editors
// which save by rename are still seen. Events are debounced; after a quiet
// period the file is loaded with Load and, if valid, passed to onChange. An
// invalid file is logged and ignored, keeping the previous configuration.
//
// Blocks until ctx is cancelled, which returns nil.
//
// # Inputs
//
//   - ctx: Stops the watch.
//   - path: The config file.
//   - debounce: Quiet period. Zero uses DefaultDebounce.
//   - onChange: Called from the watch goroutine with each valid reload.
//   - logger: Nil uses slog.Default().
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("ignoring invalid config change", "path", abs, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", abs)
			onChange(cfg)
		}
	}
}
