// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncserver assembles the sync server: storage, chain service,
// metrics, tracing, and the HTTP router.
//
//	HTTP ──► gin (recovery, otelgin) ──► routes ──► handlers
//	                                                   │
//	                                                   ▼
//	                                           chain.Service ──► storage
//	                                                             (memory | badger)
package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianSync/services/syncserver/chain"
	"github.com/AleutianAI/AleutianSync/services/syncserver/config"
	"github.com/AleutianAI/AleutianSync/services/syncserver/middleware"
	"github.com/AleutianAI/AleutianSync/services/syncserver/observability"
	"github.com/AleutianAI/AleutianSync/services/syncserver/routes"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
	badgerstore "github.com/AleutianAI/AleutianSync/services/syncserver/storage/badger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage/memory"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// ServiceName identifies the server in traces and logs.
const ServiceName = "aleutian-sync"

// Service is a runnable sync server.
type Service interface {
	// Run listens on the configured address and serves until ctx is
	// cancelled, then shuts down gracefully.
	Run(ctx context.Context) error

	// Serve is Run on an existing listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Close releases storage and flushes traces. Call after Run returns.
	Close() error
}

type service struct {
	config        config.Config
	logger        *slog.Logger
	store         storage.Storage
	chain         *chain.Service
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// New builds a Service from a validated configuration.
//
// # Inputs
//
//   - cfg: Configuration. Validated again here.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid config, storage that cannot be opened, or tracer setup
//     failure. Nothing is left open on error.
func New(cfg config.Config, logger *slog.Logger) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &service{config: cfg, logger: logger}

	cleanup, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName:  ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Stdout:       cfg.Telemetry.TraceStdout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if cfg.Telemetry.MetricsEnabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = observability.NewMetrics(s.registry)
	}

	s.store, err = openStorage(cfg.Storage, logger)
	if err != nil {
		s.tracerCleanup(context.Background())
		return nil, err
	}

	s.chain = chain.NewService(s.store,
		chain.WithMetrics(s.metrics),
		chain.WithLogger(logger.With("component", "chain")))

	s.initRouter()
	return s, nil
}

func openStorage(cfg config.StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, versions are lost on exit")
		return memory.New(), nil
	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.Path
		bcfg.SyncWrites = cfg.SyncWrites
		bcfg.GCInterval = cfg.GCInterval
		bcfg.GCDiscardRatio = cfg.GCDiscardRatio
		bcfg.Logger = logger.With("component", "badger")
		store, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage at %s: %w", cfg.Path, err)
		}
		logger.Info("opened badger storage", "path", cfg.Path, "sync_writes", cfg.SyncWrites)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))

	deps := routes.Dependencies{
		Service:        s.chain,
		Metrics:        s.metrics,
		MaxSegmentSize: s.config.Server.MaxSegmentBytes,
		Logger:         s.logger.With("component", "http"),
		Limiter:        middleware.NewLimiter(s.config.Server.RateLimitRPS, s.config.Server.RateLimitBurst),
	}
	if s.registry != nil {
		deps.Gatherer = s.registry
	}
	routes.SetupRoutes(s.router, deps)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("sync server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("shutting down sync server", "timeout", timeout.String())
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *service) Close() error {
	var err error
	if s.store != nil {
		err = s.store.Close()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	return err
}

var _ Service = (*service)(nil)
