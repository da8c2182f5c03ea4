// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for the sync server.
//
// Built on log/slog, a Logger writes to up to three destinations at once:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                          Logger                          │
//	│  ┌────────────┐  ┌──────────────┐  ┌──────────────────┐  │
//	│  │   stderr   │  │   log file   │  │   LogExporter    │  │
//	│  │ text/json  │  │ (JSON, opt.) │  │   (optional)     │  │
//	│  └────────────┘  └──────────────┘  └──────────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// The level is held in a slog.LevelVar, so SetLevel changes verbosity of
// every derived *slog.Logger at once. The server uses this to apply log
// level changes from a reloaded config file without a restart.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Format:  logging.FormatAuto,
//	    LogDir:  "~/.aleutian/sync/logs",
//	    Service: "syncserver",
//	})
//	defer logger.Close()
//	logger.Info("listening", "addr", addr)
//
// # Security Considerations
//
// History segments are opaque client data and must never be logged. Log
// their size instead.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Levels and Formats
// =============================================================================

// Level represents log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name used in config files.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// ParseLevel parses "debug", "info", "warn" (or "warning"), and "error".
// Matching is case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Format selects the stderr encoding. File logs are always JSON.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"

	// FormatAuto picks text when stderr is a terminal and JSON otherwise.
	FormatAuto Format = "auto"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above as text
// to stderr.
type Config struct {
	Level  Level
	Format Format

	// LogDir enables file logging to {LogDir}/{Service}_{date}.log.
	// Supports ~ expansion. Empty disables file logging.
	LogDir string

	// Service is attached to every record as "service".
	Service string

	// Quiet disables the stderr destination.
	Quiet bool

	// Output replaces stderr. Used by tests.
	Output io.Writer

	// Exporter receives a copy of every record at or above the level.
	Exporter LogExporter
}

// =============================================================================
// Exporter
// =============================================================================

// LogExporter ships log entries to an external system.
//
// Export is called synchronously from the logging call, so implementations
// should buffer and return quickly.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is the exporter's view of one record.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// BufferedExporter keeps entries in memory.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(context.Context) error { return nil }

func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of everything exported so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)

// =============================================================================
// Logger
// =============================================================================

// Logger is a leveled structured logger with optional file and exporter
// destinations. Safe for concurrent use.
type Logger struct {
	slog     *slog.Logger
	level    *slog.LevelVar
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger. Call Close when done if LogDir or Exporter is set.
//
// A log directory that cannot be created or opened is reported on stderr
// and file logging is skipped; New itself never fails.
func New(config Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(config.Level.slogLevel())
	opts := &slog.HandlerOptions{Level: level}

	logger := &Logger{
		level:    level,
		config:   config,
		exporter: config.Exporter,
	}

	var handlers []slog.Handler
	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if resolveFormat(config.Format, out) == FormatJSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file logging disabled: %v\n", err)
		} else {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	if config.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			exporter: config.Exporter,
			level:    level,
			service:  config.Service,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatAuto, Service: "syncserver"})
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a Logger that adds args to every record. It shares the
// parent's level, file, and exporter; only the parent should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		level:    l.level,
		config:   l.config,
		exporter: l.exporter,
	}
}

// Slog returns the underlying *slog.Logger for components that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	return levelFromSlog(l.level.Level())
}

// SetLevel changes the minimum level for this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

// Close flushes the exporter and closes the log file. Returns the first
// error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Handlers (Internal)
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler turns records into LogEntry values. Groups flatten into
// dotted keys.
type exportHandler struct {
	exporter LogExporter
	level    *slog.LevelVar
	service  string
	attrs    []slog.Attr
	group    string
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.group, a)
		return true
	})
	delete(attrs, "service")

	return h.exporter.Export(ctx, LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addAttr(dst, key, ga)
		}
		return
	}
	dst[key] = v.Any()
}

// =============================================================================
// Helper Functions
// =============================================================================

func resolveFormat(f Format, out io.Writer) Format {
	switch f {
	case FormatJSON, FormatText:
		return f
	case FormatAuto:
		if file, ok := out.(*os.File); ok {
			fd := file.Fd()
			if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
				return FormatText
			}
		}
		return FormatJSON
	default:
		return FormatText
	}
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if service == "" {
		service = "syncserver"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
