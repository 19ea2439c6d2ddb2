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
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

const sessionColumns = `id, user_id, COALESCE(title,''), is_active, COALESCE(metadata,'{}'::jsonb), created_at, updated_at`

func scanSession(row pgx.Row) (*datatypes.ChatSession, error) {
	var sess datatypes.ChatSession
	var metadata []byte
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsActive,
		&metadata, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &sess.Metadata)
	}
	return &sess, nil
}

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, title string) (*datatypes.ChatSession, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	sess, err := scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (id, user_id, title, is_active)
		VALUES ($1, $2, NULLIF($3, ''), true)
		RETURNING `+sessionColumns,
		uuid.New(), userID, title))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession loads one session, enforcing ownership.
func (s *Store) GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*datatypes.ChatSession, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// ListSessions pages through the user's active sessions, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context, userID uuid.UUID, page, size int) ([]datatypes.ChatSession, int, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM chat_sessions WHERE user_id = $1 AND is_active`,
		userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_id = $1 AND is_active
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		userID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []datatypes.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, total, rows.Err()
}

// UpdateSession renames or re-activates a session.
func (s *Store) UpdateSession(ctx context.Context, sessionID, userID uuid.UUID, req *datatypes.UpdateSessionRequest) (*datatypes.ChatSession, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	sess, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE chat_sessions
		SET title = COALESCE($3, title),
		    is_active = COALESCE($4, is_active),
		    updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+sessionColumns,
		sessionID, userID, req.Title, req.IsActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return sess, nil
}

// DeactivateSession soft-deletes a session.
func (s *Store) DeactivateSession(ctx context.Context, sessionID, userID uuid.UUID) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET is_active = false, updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		sessionID, userID)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionTitle fills the title only when it is still unset; used to
// derive it from the first user message.
func (s *Store) SetSessionTitle(ctx context.Context, sessionID uuid.UUID, title string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET title = $2, updated_at = now()
		WHERE id = $1 AND (title IS NULL OR title = '')`,
		sessionID, title)
	if err != nil {
		return fmt.Errorf("set session title: %w", err)
	}
	return nil
}

// InsertMessage appends one turn to a session.
func (s *Store) InsertMessage(ctx context.Context, msg *datatypes.ChatMessage) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata, parent_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, metadata, msg.ParentMessageID,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, msg.SessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages of a session in
// chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMessage, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if limit < 1 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, COALESCE(metadata,'{}'::jsonb),
		       parent_message_id, created_at
		FROM (
			SELECT * FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []datatypes.ChatMessage
	for rows.Next() {
		var msg datatypes.ChatMessage
		var metadata []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&metadata, &msg.ParentMessageID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &msg.Metadata)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CountUserMessages counts user-role turns in a session, the trigger
// input for auto-consolidation.
func (s *Store) CountUserMessages(ctx context.Context, sessionID uuid.UUID) (int, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM chat_messages WHERE session_id = $1 AND role = 'user'`,
		sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count user messages: %w", err)
	}
	return count, nil
}

// InsertRAGContext persists the retrieval trace for one assistant message.
func (s *Store) InsertRAGContext(ctx context.Context, messageID uuid.UUID, ragCtx *datatypes.RAGContext) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	chunks, err := json.Marshal(ragCtx.Chunks)
	if err != nil {
		return fmt.Errorf("marshal rag chunks: %w", err)
	}
	keywords, err := json.Marshal(ragCtx.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_rag_contexts
			(id, message_id, rag_chunks, context_text, total_context_tokens,
			 extracted_keywords, rag_k, rag_min_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING`,
		uuid.New(), messageID, chunks, ragCtx.ContextText, ragCtx.TotalTokens,
		keywords, ragCtx.K, ragCtx.MinScore)
	if err != nil {
		return fmt.Errorf("insert rag context: %w", err)
	}
	return nil
}
