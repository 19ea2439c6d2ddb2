// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request, response, and entity types shared
// by the orchestrator's handlers, services, and store.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// Field limits enforced at the binding layer.
const (
	MaxURLChars     = 500
	MaxThoughtChars = 2000
)

// Insight is a user-owned bookmarked URL with extracted metadata.
type Insight struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Thought     string    `json:"thought,omitempty"`
	Tags        []Tag     `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tag is a named colored label owned by a user. Tag CRUD lives outside
// this service; insights only associate with existing tags.
type Tag struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateInsightRequest creates an insight and kicks off ingestion.
type CreateInsightRequest struct {
	URL     string      `json:"url" binding:"required,url,max=500"`
	Title   string      `json:"title,omitempty" binding:"max=200"`
	Thought string      `json:"thought,omitempty" binding:"max=2000"`
	TagIDs  []uuid.UUID `json:"tag_ids,omitempty"`
}

// UpdateInsightRequest mutates user-editable fields. Nil pointers leave
// the field untouched.
type UpdateInsightRequest struct {
	Title   *string      `json:"title,omitempty" binding:"omitempty,max=200"`
	Thought *string      `json:"thought,omitempty" binding:"omitempty,max=2000"`
	TagIDs  *[]uuid.UUID `json:"tag_ids,omitempty"`
}

// Pagination echoes list paging back to the client.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// InsightListResponse is the paginated listing envelope.
type InsightListResponse struct {
	Success    bool       `json:"success"`
	Insights   []Insight  `json:"insights"`
	Pagination Pagination `json:"pagination"`
}

// SyncResponse is the incremental-sync envelope. When nothing changed
// since the client's ETag, Insights is empty and ETag repeats the
// client's value.
type SyncResponse struct {
	Success  bool      `json:"success"`
	Insights []Insight `json:"insights"`
	ETag     string    `json:"etag"`
	Changed  bool      `json:"changed"`
}

// ChunkSummary reports indexing state for one insight.
type ChunkSummary struct {
	InsightID            uuid.UUID `json:"insight_id"`
	TotalChunks          int       `json:"total_chunks"`
	ChunksWithEmbedding  int       `json:"chunks_with_embedding"`
	EmbeddingModel       string    `json:"embedding_model,omitempty"`
	ChunkMethod          string    `json:"chunk_method,omitempty"`
	TotalEstimatedTokens int       `json:"total_estimated_tokens"`
}

// MetadataPreview is the synchronous result of /metadata/extract.
type MetadataPreview struct {
	Success     bool   `json:"success"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}
