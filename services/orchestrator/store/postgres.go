// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the pgx-backed persistence layer for the
// orchestrator: insights, contents, chunks (with pgvector embeddings),
// chat sessions and messages, memories, profiles, and the email tables.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
)

// Sentinel errors callers map to HTTP statuses.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: row owned by another user")
)

// dbCallTimeout bounds every individual statement.
const dbCallTimeout = 10 * time.Second

// Store wraps the pgx pool. One instance per process, constructed in
// main and injected.
type Store struct {
	pool   *pgxpool.Pool
	logger *logging.Logger

	// vectorOps is false when the database lacks the vector extension;
	// chunk search then falls back to client-side cosine.
	vectorOps bool
}

// New connects to databaseURL and registers the pgvector codec on every
// connection. When DB_VECTOR_OPS=false, DB-side vector search is
// disabled and retrieval computes cosine client-side.
func New(ctx context.Context, databaseURL string, logger *logging.Logger) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("store: database URL is empty")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database URL: %w", err)
	}

	vectorOps := os.Getenv("DB_VECTOR_OPS") != "false"
	if vectorOps {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logger.Info("database connected", "vector_ops", vectorOps)
	return &Store{pool: pool, logger: logger, vectorOps: vectorOps}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, dbCallTimeout)
}
