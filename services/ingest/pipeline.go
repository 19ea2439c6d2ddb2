// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/llm"
)

const (
	// IngestDeadline bounds one background ingestion end to end.
	IngestDeadline = 5 * time.Minute

	summaryMaxTokens = 300
	summaryMaxChars  = 1500

	summarySystemPrompt = "You are a concise summarization assistant. Summarize the " +
		"provided article in 2-4 sentences, keeping the key facts and the author's " +
		"conclusion. Respond in the language of the article. Do not add opinions."
)

// ContentStore is the persistence surface the pipeline needs. The
// orchestrator's pgx-backed store satisfies it.
type ContentStore interface {
	// UpdateInsightMetadata sets the final title/description/image on the
	// insight row. Empty fields are left untouched.
	UpdateInsightMetadata(ctx context.Context, insightID uuid.UUID, title, description, imageURL string) error

	// UpsertInsightContent writes the 1:1 content row, replacing any
	// previous extraction.
	UpsertInsightContent(ctx context.Context, content *InsightContent) error

	// DeleteChunks removes all chunks of an insight prior to re-ingest.
	DeleteChunks(ctx context.Context, insightID uuid.UUID) error

	// InsertChunks persists one embedding batch worth of chunks.
	InsertChunks(ctx context.Context, insightID uuid.UUID, chunks []PersistedChunk) error
}

// InsightContent is the extracted body + summary persisted 1:1 with an
// insight.
type InsightContent struct {
	InsightID   uuid.UUID
	UserID      uuid.UUID
	URL         string
	HTML        string
	Text        string
	Markdown    string
	Summary     string
	Thought     string
	ContentType string
	ExtractedAt time.Time
}

// PersistedChunk is a chunk row ready for storage. A nil Embedding marks
// the chunk pending; retrieval never sees it.
type PersistedChunk struct {
	Index                int
	Text                 string
	Size                 int
	EstimatedTokens      int
	Method               string
	Overlap              int
	Embedding            []float32
	EmbeddingModel       string
	EmbeddingTokens      int
	EmbeddingGeneratedAt *time.Time
}

// IngestRequest describes one background ingestion run.
type IngestRequest struct {
	InsightID uuid.UUID
	UserID    uuid.UUID
	URL       string
	UserTitle string // user-supplied title wins over the extracted one
	Thought   string
}

// IngestReport summarizes what a run accomplished. Degradations list the
// steps that were skipped or partially failed; the insight stays usable.
type IngestReport struct {
	InsightID      uuid.UUID `json:"insight_id"`
	ChunksTotal    int       `json:"chunks_total"`
	ChunksEmbedded int       `json:"chunks_embedded"`
	SummaryCached  bool      `json:"summary_cached"`
	Degradations   []string  `json:"degradations,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
}

// Pipeline sequences fetch, extraction, preprocessing, summary,
// chunking, embedding, and persistence for one insight.
//
// # Description
//
// The synchronous insight create call only writes the skeleton row; the
// pipeline runs afterwards under the supervisor with a 5 minute
// deadline. Every step degrades rather than fails: a dead URL still
// leaves a usable insight with the user's fields, a failed embedding
// batch leaves null-embedding chunks that re-ingest can repair.
//
// # Assumptions
//
//   - The skeleton insights row already exists when Run is called.
//   - Re-running for the same insight is safe: chunks are deleted first
//     and insight_contents is an upsert.
type Pipeline struct {
	fetcher   Fetcher
	extractor Extractor
	chunker   *Chunker
	cache     *SummaryCache
	llmClient llm.LLMClient
	embedder  llm.Embedder
	store     ContentStore
	logger    *logging.Logger
	prepOpts  PreprocessOptions
}

// PipelineConfig wires a Pipeline. All fields except PreprocessOptions
// are required; NewPipeline panics on nil dependencies.
type PipelineConfig struct {
	Fetcher    Fetcher
	Extractor  Extractor
	Chunker    *Chunker
	Cache      *SummaryCache
	LLM        llm.LLMClient
	Embedder   llm.Embedder
	Store      ContentStore
	Logger     *logging.Logger
	Preprocess *PreprocessOptions
}

// NewPipeline creates a Pipeline from cfg.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Fetcher == nil || cfg.Extractor == nil || cfg.Chunker == nil ||
		cfg.Cache == nil || cfg.LLM == nil || cfg.Embedder == nil || cfg.Store == nil {
		panic("ingest: NewPipeline requires all dependencies")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	prepOpts := DefaultPreprocessOptions()
	if cfg.Preprocess != nil {
		prepOpts = *cfg.Preprocess
	}
	return &Pipeline{
		fetcher:   cfg.Fetcher,
		extractor: cfg.Extractor,
		chunker:   cfg.Chunker,
		cache:     cfg.Cache,
		llmClient: cfg.LLM,
		embedder:  cfg.Embedder,
		store:     cfg.Store,
		logger:    logger,
		prepOpts:  prepOpts,
	}
}

// Run executes the full background pipeline for one insight. The only
// returned errors are storage failures; content failures degrade and are
// recorded in the report.
func (p *Pipeline) Run(ctx context.Context, req IngestRequest) (*IngestReport, error) {
	ctx, cancel := context.WithTimeout(ctx, IngestDeadline)
	defer cancel()

	tracer := otel.Tracer("quest.ingest.pipeline")
	ctx, span := tracer.Start(ctx, "ingest.run")
	span.SetAttributes(
		attribute.String("insight_id", req.InsightID.String()),
		attribute.String("url", req.URL),
	)
	defer span.End()

	start := time.Now()
	report := &IngestReport{InsightID: req.InsightID}

	// Step 1: Fetch. Any fetch error is a degradation, not a failure.
	fetched, fetchErr := p.fetcher.Fetch(ctx, req.URL)
	if fetchErr != nil {
		report.Degradations = append(report.Degradations, "fetch: "+fetchErr.Error())
		p.logger.Warn("partial ingest: fetch failed",
			"insight_id", req.InsightID,
			"url", req.URL,
			"error", fetchErr,
		)
		report.DurationMS = time.Since(start).Milliseconds()
		return report, nil
	}

	// Step 2: Extract text and metadata.
	extracted := p.extractor.Extract(fetched.HTML, fetched.FinalURL)
	title := extracted.Title
	if req.UserTitle != "" {
		title = req.UserTitle
	}
	if extracted.Text == "" {
		report.Degradations = append(report.Degradations, "extract: no body text")
	}

	// Step 3: Preprocess the body down to its key paragraphs.
	prep := Preprocess(extracted.Text, p.prepOpts)

	// Step 4: Summary, via the cache when the preview endpoint already
	// warmed this URL.
	var summary string
	if cached, ok := p.cache.GetCompleted(req.URL); ok {
		summary = cached
		report.SummaryCached = true
	} else if prep.ProcessedText != "" {
		var sumErr error
		summary, sumErr = p.cache.Generate(ctx, req.URL, func(ctx context.Context) (string, error) {
			return p.Summarize(ctx, prep.ProcessedText)
		})
		if sumErr != nil {
			report.Degradations = append(report.Degradations, "summary: "+sumErr.Error())
			p.logger.Warn("partial ingest: summary failed",
				"insight_id", req.InsightID, "error", sumErr)
		}
	}

	// Step 5: Persist the content row before chunking, so a later
	// timeout still leaves the extraction available.
	content := &InsightContent{
		InsightID:   req.InsightID,
		UserID:      req.UserID,
		URL:         req.URL,
		Text:        prep.ProcessedText,
		Markdown:    extracted.Markdown,
		Summary:     truncate(summary, summaryMaxChars),
		Thought:     req.Thought,
		ContentType: fetched.ContentType,
		ExtractedAt: time.Now().UTC(),
	}
	if err := p.store.UpsertInsightContent(ctx, content); err != nil {
		return report, fmt.Errorf("persist insight content: %w", err)
	}

	// Step 6: Chunk and embed. Re-ingest wipes previous chunks first so
	// chunk_index stays contiguous.
	chunks := p.chunker.Split(prep.ProcessedText)
	report.ChunksTotal = len(chunks)
	if len(chunks) > 0 {
		if err := p.store.DeleteChunks(ctx, req.InsightID); err != nil {
			return report, fmt.Errorf("delete stale chunks: %w", err)
		}
		embedded, embedDegradations, err := p.embedAndPersist(ctx, req.InsightID, chunks)
		if err != nil {
			return report, err
		}
		report.ChunksEmbedded = embedded
		report.Degradations = append(report.Degradations, embedDegradations...)
	}

	// Step 7: Final metadata on the insight row.
	if err := p.store.UpdateInsightMetadata(ctx, req.InsightID, title, extracted.Description, extracted.ImageURL); err != nil {
		return report, fmt.Errorf("update insight metadata: %w", err)
	}

	report.DurationMS = time.Since(start).Milliseconds()
	p.logger.Info("ingest finished",
		"insight_id", req.InsightID,
		"chunks", report.ChunksTotal,
		"embedded", report.ChunksEmbedded,
		"degradations", len(report.Degradations),
		"duration_ms", report.DurationMS,
	)
	return report, nil
}

// embedAndPersist embeds chunks in batches, persisting each batch as it
// completes so partial failures preserve prior progress. A failed batch
// is retried once; chunks that still fail are stored with a null
// embedding and stay invisible to retrieval until re-ingest.
func (p *Pipeline) embedAndPersist(ctx context.Context, insightID uuid.UUID, chunks []Chunk) (int, []string, error) {
	embedded := 0
	var degradations []string

	for batchStart := 0; batchStart < len(chunks); batchStart += llm.MaxEmbeddingBatchSize {
		batchEnd := batchStart + llm.MaxEmbeddingBatchSize
		if batchEnd > len(chunks) {
			batchEnd = len(chunks)
		}
		batch := chunks[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		result, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			// One retry per batch; the embedder already retried
			// transient failures internally.
			result, err = p.embedder.EmbedBatch(ctx, texts)
		}

		rows := make([]PersistedChunk, len(batch))
		now := time.Now().UTC()
		for i, c := range batch {
			rows[i] = PersistedChunk{
				Index:           c.Index,
				Text:            c.Text,
				Size:            c.Size,
				EstimatedTokens: c.EstimatedTokens,
				Method:          ChunkMethod,
				Overlap:         ChunkOverlap,
			}
			if err == nil {
				rows[i].Embedding = result.Embeddings[i]
				rows[i].EmbeddingModel = result.Model
				rows[i].EmbeddingGeneratedAt = &now
				if len(batch) > 0 {
					rows[i].EmbeddingTokens = result.Usage.TotalTokens / len(batch)
				}
			}
		}
		if err != nil {
			degradations = append(degradations,
				fmt.Sprintf("embedding: batch %d-%d failed: %v", batchStart, batchEnd-1, err))
			p.logger.Warn("partial ingest: embedding batch failed",
				"insight_id", insightID,
				"batch_start", batchStart,
				"error", err,
			)
		} else {
			embedded += len(batch)
		}

		if persistErr := p.store.InsertChunks(ctx, insightID, rows); persistErr != nil {
			return embedded, degradations, fmt.Errorf("persist chunks: %w", persistErr)
		}
	}
	return embedded, degradations, nil
}

// Summarize produces a 2-4 sentence summary of text.
func (p *Pipeline) Summarize(ctx context.Context, text string) (string, error) {
	temp := float32(0.3)
	maxTokens := summaryMaxTokens
	result, err := p.llmClient.Chat(ctx,
		[]llm.Message{
			{Role: llm.RoleSystem, Content: summarySystemPrompt},
			{Role: llm.RoleUser, Content: text},
		},
		llm.GenerationParams{Temperature: &temp, MaxTokens: &maxTokens},
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Content), nil
}

// PreviewMetadata fetches and extracts a URL synchronously for the
// metadata endpoint. The caller warms the summary cache separately via
// WarmSummary.
func (p *Pipeline) PreviewMetadata(ctx context.Context, url string) (*Extracted, error) {
	fetched, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return p.extractor.Extract(fetched.HTML, fetched.FinalURL), nil
}

// WarmSummary generates and caches the summary for url from
// already-extracted text, coalescing with any concurrent warmers.
func (p *Pipeline) WarmSummary(ctx context.Context, url, text string) error {
	prep := Preprocess(text, p.prepOpts)
	if prep.ProcessedText == "" {
		return fmt.Errorf("ingest: no text to summarize for %s", url)
	}
	_, err := p.cache.Generate(ctx, url, func(ctx context.Context) (string, error) {
		return p.Summarize(ctx, prep.ProcessedText)
	})
	return err
}
