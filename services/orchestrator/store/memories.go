// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// InsertMemories persists a batch of extracted memories.
func (s *Store) InsertMemories(ctx context.Context, memories []datatypes.ChatMemory) error {
	if len(memories) == 0 {
		return nil
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, m := range memories {
		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal memory metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO chat_memories
				(id, session_id, memory_type, content, importance_score, is_active, metadata)
			VALUES ($1, $2, $3, $4, $5, true, $6)`,
			m.ID, m.SessionID, m.MemoryType, m.Content, m.ImportanceScore, metadata)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range memories {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
	}
	return nil
}

// TopMemoriesForSession returns the session's most important active
// memories, for the chat prompt.
func (s *Store) TopMemoriesForSession(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMemory, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if limit < 1 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, memory_type, content, importance_score, is_active,
		       created_at, updated_at
		FROM chat_memories
		WHERE session_id = $1 AND is_active
		ORDER BY importance_score DESC, created_at DESC
		LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("top memories: %w", err)
	}
	return collectMemories(rows)
}

// ActiveMemoriesByUser returns all active memories of one type across
// the user's sessions, newest first. Consolidation input.
func (s *Store) ActiveMemoriesByUser(ctx context.Context, userID uuid.UUID, memoryType string) ([]datatypes.ChatMemory, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.session_id, m.memory_type, m.content, m.importance_score,
		       m.is_active, m.created_at, m.updated_at
		FROM chat_memories m
		JOIN chat_sessions cs ON cs.id = m.session_id
		WHERE cs.user_id = $1 AND m.memory_type = $2 AND m.is_active
		ORDER BY m.created_at DESC`,
		userID, memoryType)
	if err != nil {
		return nil, fmt.Errorf("active memories: %w", err)
	}
	return collectMemories(rows)
}

// DeactivateMemories marks rows subsumed by consolidation.
func (s *Store) DeactivateMemories(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE chat_memories SET is_active = false, updated_at = now()
		WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return fmt.Errorf("deactivate memories: %w", err)
	}
	return nil
}

// CountActiveMemories returns per-type counts of the user's active
// memories for the summary endpoint.
func (s *Store) CountActiveMemories(ctx context.Context, userID uuid.UUID) (map[string]int, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT m.memory_type, count(*)
		FROM chat_memories m
		JOIN chat_sessions cs ON cs.id = m.session_id
		WHERE cs.user_id = $1 AND m.is_active
		GROUP BY m.memory_type`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var memoryType string
		var count int
		if err := rows.Scan(&memoryType, &count); err != nil {
			return nil, fmt.Errorf("scan memory count: %w", err)
		}
		counts[memoryType] = count
	}
	return counts, rows.Err()
}

func collectMemories(rows pgx.Rows) ([]datatypes.ChatMemory, error) {
	defer rows.Close()
	var out []datatypes.ChatMemory
	for rows.Next() {
		var m datatypes.ChatMemory
		if err := rows.Scan(&m.ID, &m.SessionID, &m.MemoryType, &m.Content,
			&m.ImportanceScore, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
