// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// =============================================================================
// == RAG Retrieval
// =============================================================================

package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/llm"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// ChunkSearcher is the slice of the store the retriever needs.
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, userID uuid.UUID, queryEmbedding []float32, k int, minScore float64) ([]datatypes.RAGChunk, error)
}

// Retriever embeds a chat query and ranks the user's content chunks
// against it.
//
// # Description
//
// The retriever is fail-closed: if the query cannot be embedded, or the
// search itself errors, the caller receives an empty context rather than
// an error. A chat turn always proceeds; it just proceeds without notes.
//
// # Limitations
//
//   - Only chunks with a stored embedding are searchable. Chunks whose
//     embedding failed during ingestion are invisible here.
type Retriever struct {
	embedder llm.Embedder
	searcher ChunkSearcher
	builder  *ContextBuilder
	logger   *logging.Logger

	k        int
	minScore float64
}

// RetrieverConfig carries the retriever's dependencies and tuning.
// Zero K and MinScore take the package defaults.
type RetrieverConfig struct {
	Embedder llm.Embedder
	Searcher ChunkSearcher
	Logger   *logging.Logger
	K        int
	MinScore float64
}

// NewRetriever constructs a Retriever. Panics on nil dependencies.
func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.Embedder == nil {
		panic("services: NewRetriever requires an embedder")
	}
	if cfg.Searcher == nil {
		panic("services: NewRetriever requires a chunk searcher")
	}
	if cfg.Logger == nil {
		panic("services: NewRetriever requires a logger")
	}
	k := cfg.K
	if k <= 0 {
		k = datatypes.DefaultRAGK
	}
	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = datatypes.DefaultRAGMinScore
	}
	return &Retriever{
		embedder: cfg.Embedder,
		searcher: cfg.Searcher,
		builder:  NewContextBuilder(datatypes.DefaultContextBudget),
		logger:   cfg.Logger,
		k:        k,
		minScore: minScore,
	}
}

// Retrieve builds the RAG context for one chat turn. Never returns an
// error: degraded retrieval yields an empty context.
func (r *Retriever) Retrieve(ctx context.Context, userID uuid.UUID, query string) *datatypes.RAGContext {
	query = strings.TrimSpace(query)
	if query == "" {
		return r.emptyContext()
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, chat proceeds without context",
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()))
		return r.emptyContext()
	}
	if len(embedding) == 0 {
		return r.emptyContext()
	}

	chunks, err := r.searcher.SearchChunks(ctx, userID, embedding, r.k, r.minScore)
	if err != nil {
		r.logger.Warn("chunk search failed, chat proceeds without context",
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()))
		return r.emptyContext()
	}

	ragCtx := r.builder.Build(chunks)
	ragCtx.Keywords = ExtractKeywords(query, 8)
	ragCtx.K = r.k
	ragCtx.MinScore = r.minScore
	return ragCtx
}

func (r *Retriever) emptyContext() *datatypes.RAGContext {
	return &datatypes.RAGContext{K: r.k, MinScore: r.minScore}
}

// =============================================================================
// == Context assembly
// =============================================================================

// ContextBuilder folds ranked chunks into the prompt block, spending a
// fixed token budget. The highest-scoring chunk is always included even
// when it alone exceeds the budget.
type ContextBuilder struct {
	budget int
}

// NewContextBuilder returns a builder with the given token budget.
func NewContextBuilder(budget int) *ContextBuilder {
	if budget <= 0 {
		budget = datatypes.DefaultContextBudget
	}
	return &ContextBuilder{budget: budget}
}

// Build formats chunks into the context text. Chunks arrive in rank
// order and are emitted in that order with 1-based indices matching the
// citation markers the model is told to use.
func (b *ContextBuilder) Build(chunks []datatypes.RAGChunk) *datatypes.RAGContext {
	ragCtx := &datatypes.RAGContext{}
	if len(chunks) == 0 {
		return ragCtx
	}

	var sb strings.Builder
	spent := 0
	for i, chunk := range chunks {
		block := formatChunkBlock(i+1, chunk)
		cost := chunk.EstimatedTokens
		if cost <= 0 {
			cost = len(block) / 4
		}
		// The top chunk goes in regardless so the model always has
		// something to cite.
		if spent+cost > b.budget && len(ragCtx.Chunks) > 0 {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block)
		spent += cost
		ragCtx.Chunks = append(ragCtx.Chunks, chunk)
	}

	ragCtx.ContextText = sb.String()
	ragCtx.TotalTokens = spent
	return ragCtx
}

func formatChunkBlock(index int, chunk datatypes.RAGChunk) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "【%d | %.2f】%s", index, chunk.Score, chunk.ChunkText)
	if chunk.InsightTitle != "" {
		fmt.Fprintf(&sb, "\n来源标题: %s", chunk.InsightTitle)
	}
	if chunk.InsightURL != "" {
		fmt.Fprintf(&sb, "\n来源链接: %s", chunk.InsightURL)
	}
	if chunk.InsightSummary != "" {
		fmt.Fprintf(&sb, "\n内容摘要: %s", chunk.InsightSummary)
	}
	return sb.String()
}

// =============================================================================
// == Keyword extraction
// =============================================================================

var keywordStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "with": {}, "at": {},
	"by": {}, "from": {}, "about": {}, "into": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "do": {}, "does": {},
	"did": {}, "have": {}, "has": {}, "had": {}, "i": {}, "me": {}, "my": {},
	"you": {}, "your": {}, "it": {}, "its": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "what": {}, "which": {}, "who": {}, "how": {},
	"when": {}, "where": {}, "why": {}, "can": {}, "could": {}, "would": {},
	"should": {}, "will": {}, "not": {}, "no": {}, "so": {}, "as": {},
	"tell": {}, "please": {}, "show": {}, "find": {},
}

// ExtractKeywords pulls up to limit distinct content words from a query,
// in order of first appearance. Persisted alongside the retrieval trace
// for debugging.
func ExtractKeywords(query string, limit int) []string {
	if limit <= 0 {
		limit = 8
	}
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := keywordStopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if len(out) >= limit {
			break
		}
	}
	return out
}
