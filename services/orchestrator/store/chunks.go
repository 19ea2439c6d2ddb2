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
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// DeleteChunks removes every chunk of an insight prior to re-ingest.
func (s *Store) DeleteChunks(ctx context.Context, insightID uuid.UUID) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM insight_chunks WHERE insight_id = $1`, insightID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// InsertChunks persists one embedding batch. Chunks without an embedding
// are stored with a null vector and stay invisible to retrieval.
func (s *Store) InsertChunks(ctx context.Context, insightID uuid.UUID, chunks []ingest.PersistedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, c := range chunks {
		var embedding any
		if c.Embedding != nil {
			v := pgvector.NewVector(c.Embedding)
			embedding = v
		}
		var model any
		if c.EmbeddingModel != "" {
			model = c.EmbeddingModel
		}
		batch.Queue(`
			INSERT INTO insight_chunks
				(id, insight_id, chunk_index, chunk_text, chunk_size, estimated_tokens,
				 chunk_method, chunk_overlap, embedding, embedding_model,
				 embedding_tokens, embedding_generated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (insight_id, chunk_index) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text,
				chunk_size = EXCLUDED.chunk_size,
				estimated_tokens = EXCLUDED.estimated_tokens,
				chunk_method = EXCLUDED.chunk_method,
				chunk_overlap = EXCLUDED.chunk_overlap,
				embedding = EXCLUDED.embedding,
				embedding_model = EXCLUDED.embedding_model,
				embedding_tokens = EXCLUDED.embedding_tokens,
				embedding_generated_at = EXCLUDED.embedding_generated_at,
				updated_at = now()`,
			uuid.New(), insightID, c.Index, c.Text, c.Size, c.EstimatedTokens,
			c.Method, c.Overlap, embedding, model, c.EmbeddingTokens,
			c.EmbeddingGeneratedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return nil
}

// SearchChunks runs cosine-similarity retrieval over the user's embedded
// chunks, joined with parent insight metadata. Results are ordered by
// descending score with ties broken by (insight_id, chunk_index).
//
// With vector operators available, the search runs in the database
// against the HNSW index; otherwise all of the user's embeddings are
// pulled and cosine is computed client-side.
func (s *Store) SearchChunks(ctx context.Context, userID uuid.UUID, queryEmbedding []float32, k int, minScore float64) ([]datatypes.RAGChunk, error) {
	if k <= 0 || len(queryEmbedding) == 0 || minScore > 1.0 {
		return nil, nil
	}
	if s.vectorOps {
		return s.searchChunksDB(ctx, userID, queryEmbedding, k, minScore)
	}
	return s.searchChunksClientSide(ctx, userID, queryEmbedding, k, minScore)
}

func (s *Store) searchChunksDB(ctx context.Context, userID uuid.UUID, queryEmbedding []float32, k int, minScore float64) ([]datatypes.RAGChunk, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	query := pgvector.NewVector(queryEmbedding)
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.insight_id, c.chunk_index, c.chunk_text, c.chunk_size,
		       c.estimated_tokens,
		       1 - (c.embedding <=> $1) AS score,
		       COALESCE(i.title, ''), i.url, COALESCE(ct.summary, '')
		FROM insight_chunks c
		JOIN insights i ON i.id = c.insight_id
		LEFT JOIN insight_contents ct ON ct.insight_id = i.id
		WHERE i.user_id = $2
		  AND c.embedding IS NOT NULL
		  AND 1 - (c.embedding <=> $1) >= $3
		ORDER BY c.embedding <=> $1 ASC, c.insight_id, c.chunk_index
		LIMIT $4`,
		query, userID, minScore, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []datatypes.RAGChunk
	for rows.Next() {
		var c datatypes.RAGChunk
		if err := rows.Scan(&c.ChunkID, &c.InsightID, &c.ChunkIndex, &c.ChunkText,
			&c.ChunkSize, &c.EstimatedTokens, &c.Score, &c.InsightTitle,
			&c.InsightURL, &c.InsightSummary); err != nil {
			return nil, fmt.Errorf("scan rag chunk: %w", err)
		}
		if c.Score < 0 {
			c.Score = 0
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// searchChunksClientSide pulls the user's embeddings as text and ranks
// in memory. Acceptable for modest corpora; the DB-side path is the
// production default.
func (s *Store) searchChunksClientSide(ctx context.Context, userID uuid.UUID, queryEmbedding []float32, k int, minScore float64) ([]datatypes.RAGChunk, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.insight_id, c.chunk_index, c.chunk_text, c.chunk_size,
		       c.estimated_tokens, c.embedding::text,
		       COALESCE(i.title, ''), i.url, COALESCE(ct.summary, '')
		FROM insight_chunks c
		JOIN insights i ON i.id = c.insight_id
		LEFT JOIN insight_contents ct ON ct.insight_id = i.id
		WHERE i.user_id = $1 AND c.embedding IS NOT NULL`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var out []datatypes.RAGChunk
	for rows.Next() {
		var c datatypes.RAGChunk
		var embeddingText string
		if err := rows.Scan(&c.ChunkID, &c.InsightID, &c.ChunkIndex, &c.ChunkText,
			&c.ChunkSize, &c.EstimatedTokens, &embeddingText, &c.InsightTitle,
			&c.InsightURL, &c.InsightSummary); err != nil {
			return nil, fmt.Errorf("scan rag chunk: %w", err)
		}
		embedding, err := parseVectorText(embeddingText)
		if err != nil {
			s.logger.Warn("skipping unparseable embedding", "chunk_id", c.ChunkID, "error", err)
			continue
		}
		score := cosineSimilarity(queryEmbedding, embedding)
		if score < 0 {
			score = 0
		}
		if score < minScore {
			continue
		}
		c.Score = score
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		if out[a].InsightID != out[b].InsightID {
			return out[a].InsightID.String() < out[b].InsightID.String()
		}
		return out[a].ChunkIndex < out[b].ChunkIndex
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// parseVectorText decodes pgvector's text form "[0.1,0.2,...]".
func parseVectorText(text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '[' || text[len(text)-1] != ']' {
		return nil, fmt.Errorf("malformed vector %q", truncateForError(text))
	}
	parts := strings.Split(text[1:len(text)-1], ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func truncateForError(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
