// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianSync/pkg/logging"
	"github.com/AleutianAI/AleutianSync/services/syncserver"
	"github.com/AleutianAI/AleutianSync/services/syncserver/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveOptions are the serve command's flags.
type serveOptions struct {
	configPath string
	port       int
	storage    string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "syncserver",
		Short: "Version-chain synchronization server for task replicas",
		Long: `syncserver stores each client's history as a single linear chain of
versions. Replicas append to the chain with compare-and-swap on the latest
version id, and walk forward with get-child-version to catch up.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newCheckConfigCmd(),
		newInitConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// --- serve ---

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts.configPath)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML config file")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().StringVar(&opts.storage, "storage", "", "Storage backend: memory or badger (overrides config)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "BadgerDB directory; implies --storage badger")
	return cmd
}

// resolveConfig loads the file and applies flags that were set explicitly.
func resolveConfig(cmd *cobra.Command, opts *serveOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("data-dir") {
		cfg.Storage.Path = opts.dataDir
		cfg.Storage.Backend = config.BackendBadger
	}
	if flags.Changed("storage") {
		cfg.Storage.Backend = opts.storage
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: "syncserver",
	})
}

// runServe runs the server and, when a config file is in use, a watcher
// that applies log level changes from it. Both stop when ctx is cancelled.
func runServe(ctx context.Context, cfg config.Config, configPath string) error {
	logger := newLogger(cfg)
	defer logger.Close()

	svc, err := syncserver.New(cfg, logger.Slog())
	if err != nil {
		logger.Error("failed to start sync server", "error", err)
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("failed to close sync server", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, 0, func(next config.Config) {
				level, err := logging.ParseLevel(next.Logging.Level)
				if err != nil {
					return
				}
				if level != logger.Level() {
					logger.Info("log level changed", "from", logger.Level().String(), "to", level.String())
					logger.SetLevel(level)
				}
			}, logger.Slog())
		})
	}
	return g.Wait()
}

// --- check-config ---

func newCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	return cmd
}

// --- init-config ---

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a default config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", args[0])
			return nil
		},
	}
}

// --- version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syncserver %s\n", version)
		},
	}
}
