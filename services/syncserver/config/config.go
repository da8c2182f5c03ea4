// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the sync server's YAML configuration.
//
// Values are resolved in order, later winning:
//
//  1. DefaultConfig()
//  2. The YAML file, if one is given
//  3. SYNC_* environment variables
//
// The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvPort        = "SYNC_PORT"
	EnvStoragePath = "SYNC_STORAGE_PATH"
	EnvLogLevel    = "SYNC_LOG_LEVEL"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	MaxSegmentBytes int64         `yaml:"max_segment_bytes" validate:"gte=1"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" validate:"gte=0"`   // 0 disables limiting
	RateLimitBurst  int           `yaml:"rate_limit_burst" validate:"gte=0"` // defaults to 1 when limiting
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type StorageConfig struct {
	// Backend is "memory" (lost on exit) or "badger" (durable, needs Path).
	Backend    string        `yaml:"backend" validate:"oneof=memory badger"`
	Path       string        `yaml:"path" validate:"required_if=Backend badger"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"` // 0 disables value log GC

	// GCDiscardRatio is the stale fraction a value log file needs before GC
	// rewrites it.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" validate:"gt=0,lt=1"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json auto"`
	Dir    string `yaml:"dir"` // optional JSON log file directory
}

type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

var validate = validator.New()

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxSegmentBytes: 100 * 1024 * 1024,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:        BackendMemory,
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
		},
	}
}

// Load resolves the configuration from path and the environment.
//
// # Inputs
//
//   - path: YAML file. Empty means defaults plus environment only.
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: File unreadable, YAML malformed, bad environment value, or
//     validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup(EnvStoragePath); ok && v != "" {
		cfg.Storage.Path = v
		cfg.Storage.Backend = BackendBadger
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left untouched and reported as an error.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := DefaultConfig().Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
