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

import "github.com/google/uuid"

// Retrieval defaults; overridable via RAG_DEFAULT_K, RAG_DEFAULT_MIN_SCORE
// and RAG_MAX_CONTEXT_TOKENS.
const (
	DefaultRAGK          = 6
	DefaultRAGMinScore   = 0.2
	DefaultContextBudget = 2000
)

// RAGChunk is one retrieved chunk joined with its parent insight.
type RAGChunk struct {
	ChunkID         uuid.UUID `json:"chunk_id"`
	InsightID       uuid.UUID `json:"insight_id"`
	ChunkIndex      int       `json:"chunk_index"`
	ChunkText       string    `json:"chunk_text"`
	ChunkSize       int       `json:"chunk_size"`
	EstimatedTokens int       `json:"estimated_tokens"`
	Score           float64   `json:"score"`
	InsightTitle    string    `json:"insight_title"`
	InsightURL      string    `json:"insight_url"`
	InsightSummary  string    `json:"insight_summary,omitempty"`
}

// RAGContext is the assembled citation-indexed prompt section plus its
// audit trail, persisted alongside the assistant message.
type RAGContext struct {
	ContextText string     `json:"context_text"`
	Chunks      []RAGChunk `json:"chunks"`
	TotalTokens int        `json:"total_context_tokens"`
	Keywords    []string   `json:"extracted_keywords,omitempty"`
	K           int        `json:"rag_k"`
	MinScore    float64    `json:"rag_min_score"`
}

// Empty reports whether retrieval produced nothing usable.
func (c *RAGContext) Empty() bool {
	return c == nil || len(c.Chunks) == 0
}
