// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxMessageContentBytes caps one chat message. Anything larger is a
// validation error, not a truncation.
const MaxMessageContentBytes = 32 * 1024

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Stream event types on the chat SSE channel.
const (
	StreamEventContent = "content"
	StreamEventDone    = "done"
	StreamEventError   = "error"
)

// ChatSession is a conversation container. Sessions are soft-deactivated
// rather than deleted.
type ChatSession struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Title     string         `json:"title,omitempty"`
	IsActive  bool           `json:"is_active"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ChatMessage is one turn of a session, totally ordered by CreatedAt.
type ChatMessage struct {
	ID              uuid.UUID      `json:"id"`
	SessionID       uuid.UUID      `json:"session_id"`
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID *uuid.UUID     `json:"parent_message_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message" binding:"required"`
}

// Validate applies the checks gin binding cannot express.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message must not be blank")
	}
	if len(r.Message) > MaxMessageContentBytes {
		return fmt.Errorf("message exceeds %d bytes", MaxMessageContentBytes)
	}
	return nil
}

// Source is one cited insight in a chat answer, the best-scoring chunk
// standing in for the whole insight.
type Source struct {
	ID        uuid.UUID `json:"id"`
	InsightID uuid.UUID `json:"insight_id"`
	Score     float64   `json:"score"`
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
}

// MergeChunksToSources collapses retrieved chunks into one source per
// insight: the best-scoring chunk of each insight represents it, and the
// result is ordered by descending score.
func MergeChunksToSources(chunks []RAGChunk) []Source {
	best := make(map[uuid.UUID]RAGChunk)
	for _, chunk := range chunks {
		if prev, ok := best[chunk.InsightID]; !ok || chunk.Score > prev.Score {
			best[chunk.InsightID] = chunk
		}
	}
	sources := make([]Source, 0, len(best))
	for _, chunk := range best {
		sources = append(sources, Source{
			ID:        chunk.ChunkID,
			InsightID: chunk.InsightID,
			Score:     chunk.Score,
			Title:     chunk.InsightTitle,
			URL:       chunk.InsightURL,
		})
	}
	sort.Slice(sources, func(a, b int) bool {
		if sources[a].Score != sources[b].Score {
			return sources[a].Score > sources[b].Score
		}
		return sources[a].InsightID.String() < sources[b].InsightID.String()
	})
	for i := range sources {
		sources[i].Index = i + 1
	}
	return sources
}

// StreamContentEvent is one token delta on the SSE channel.
type StreamContentEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamDoneEvent terminates a successful stream.
type StreamDoneEvent struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	SessionID string   `json:"session_id"`
	LatencyMS int64    `json:"latency_ms"`
	Sources   []Source `json:"sources"`
}

// StreamErrorEvent terminates a failed stream; the connection closes
// right after it.
type StreamErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatResponse is the non-streaming variant's envelope, semantically
// equal to the content+done event pair.
type ChatResponse struct {
	Success   bool     `json:"success"`
	Response  string   `json:"response"`
	SessionID string   `json:"session_id"`
	RequestID string   `json:"request_id"`
	LatencyMS int64    `json:"latency_ms"`
	Sources   []Source `json:"sources"`
}

// CreateSessionRequest creates a session explicitly (sessions are also
// created lazily on first chat message).
type CreateSessionRequest struct {
	Title string `json:"title,omitempty" binding:"max=200"`
}

// UpdateSessionRequest renames or re-activates a session.
type UpdateSessionRequest struct {
	Title    *string `json:"title,omitempty" binding:"omitempty,max=200"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// SessionListResponse is the paginated session listing.
type SessionListResponse struct {
	Success    bool          `json:"success"`
	Sessions   []ChatSession `json:"sessions"`
	Pagination Pagination    `json:"pagination"`
}

// SessionContext bundles a session with its recent messages for
// prompt-inspection tooling.
type SessionContext struct {
	Success  bool          `json:"success"`
	Session  ChatSession   `json:"session"`
	Messages []ChatMessage `json:"messages"`
}
