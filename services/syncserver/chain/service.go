// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/observability"
	"github.com/AleutianAI/AleutianSync/services/syncserver/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxAttempts bounds how many times a transaction is run when the
// storage reports a serialization conflict.
const DefaultMaxAttempts = 3

const tracerName = "github.com/AleutianAI/AleutianSync/services/syncserver/chain"

// errRejected makes storage.WithTxn discard a transaction whose attempt was
// answered with Conflict. run reports it as a successful transaction.
var errRejected = errors.New("extension rejected")

// Service runs chain operations in their own transactions.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	store       storage.Storage
	metrics     *observability.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	maxAttempts int
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records operation metrics. A nil value disables them.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer. Defaults to the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMaxAttempts sets the attempt bound for conflicting transactions.
// Values below 1 are treated as 1.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n < 1 {
			n = 1
		}
		s.maxAttempts = n
	}
}

// NewService creates a Service over store.
func NewService(store storage.Storage, opts ...Option) *Service {
	s := &Service{
		store:       store,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddVersion runs the extension algorithm in a transaction and commits it.
//
// # Description
//
// The transaction is committed when Accepted and discarded when Conflict,
// so a rejected attempt leaves no trace, not even a bootstrap client record.
// If the storage reports a serialization conflict at commit, the whole
// transaction is run again, so the caller sees a single serial attempt.
//
// # Outputs
//
//   - AddVersionResult: Accepted or Conflict.
//   - error: Storage failure. Nothing was committed.
func (s *Service) AddVersion(ctx context.Context, clientID ledger.ClientID, parentVersionID ledger.VersionID, historySegment []byte) (AddVersionResult, error) {
	ctx, span := s.tracer.Start(ctx, "chain.AddVersion",
		trace.WithAttributes(
			attribute.String("sync.client_id", clientID.String()),
			attribute.String("sync.parent_version_id", parentVersionID.String()),
			attribute.Int("sync.segment_bytes", len(historySegment)),
		))
	defer span.End()

	var result AddVersionResult
	err := s.run(ctx, observability.OperationAddVersion, func(txn storage.Txn) error {
		var err error
		result, err = AddVersion(txn, clientID, parentVersionID, historySegment)
		if err == nil && result.Outcome == Conflict {
			return errRejected
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("add version failed",
			"client_id", clientID.String(),
			"parent_version_id", parentVersionID.String(),
			"error", err)
		return AddVersionResult{}, err
	}

	span.SetAttributes(attribute.String("sync.outcome", result.Outcome.String()))
	switch result.Outcome {
	case Accepted:
		s.metrics.RecordAccepted(len(historySegment))
		span.SetAttributes(attribute.String("sync.version_id", result.VersionID.String()))
		s.logger.Debug("version accepted",
			"client_id", clientID.String(),
			"parent_version_id", parentVersionID.String(),
			"version_id", result.VersionID.String(),
			"segment_bytes", len(historySegment))
	case Conflict:
		s.metrics.RecordConflict()
		span.SetAttributes(attribute.String("sync.expected_parent_version_id", result.ExpectedParentVersionID.String()))
		s.logger.Debug("version conflict",
			"client_id", clientID.String(),
			"parent_version_id", parentVersionID.String(),
			"expected_parent_version_id", result.ExpectedParentVersionID.String())
	}
	return result, nil
}

// GetChildVersion reads the version following parentVersionID.
func (s *Service) GetChildVersion(ctx context.Context, clientID ledger.ClientID, parentVersionID ledger.VersionID) (GetChildVersionResult, error) {
	ctx, span := s.tracer.Start(ctx, "chain.GetChildVersion",
		trace.WithAttributes(
			attribute.String("sync.client_id", clientID.String()),
			attribute.String("sync.parent_version_id", parentVersionID.String()),
		))
	defer span.End()

	var result GetChildVersionResult
	err := s.run(ctx, observability.OperationGetChildVersion, func(txn storage.Txn) error {
		var err error
		result, err = GetChildVersion(txn, clientID, parentVersionID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("get child version failed",
			"client_id", clientID.String(),
			"parent_version_id", parentVersionID.String(),
			"error", err)
		return GetChildVersionResult{}, err
	}

	span.SetAttributes(attribute.Bool("sync.found", result.Found))
	s.metrics.RecordChildRead(result.Found)
	return result, nil
}

// run executes fn in a transaction, re-running it on storage.ErrConflict up
// to maxAttempts times.
//
// storage.ErrConflict is a serialization failure: the backend (badger's SSI)
// refused the commit because another transaction touched the same keys, and
// nothing was written. Re-running the whole transaction against the new state
// is the serial execution the caller asked for. Every other error is a
// storage failure and is returned as is, never retried.
func (s *Service) run(ctx context.Context, op observability.Operation, fn func(txn storage.Txn) error) error {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := storage.WithTxn(ctx, s.store, fn)
		if errors.Is(err, errRejected) {
			err = nil
		}
		s.metrics.RecordTransaction(op, time.Since(start).Seconds(), err == nil)

		if err == nil || !errors.Is(err, storage.ErrConflict) || attempt >= s.maxAttempts {
			return err
		}
		s.metrics.RecordRetry(op)
		s.logger.Warn("transaction conflict, retrying",
			"operation", string(op),
			"attempt", attempt,
			"max_attempts", s.maxAttempts)
	}
}
