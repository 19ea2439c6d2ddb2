// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the standard interface for LLM backends and the
// OpenAI-compatible production implementation.
//
// The orchestrator talks to exactly two model surfaces:
//
//   - chat completions (blocking and token-streaming) for summaries,
//     conversational answers, memory extraction, and digest narratives
//   - embeddings (single and batched) for chunk indexing and retrieval
//
// All methods accept a context and honor its deadline; retryable upstream
// failures (429, 5xx, timeouts) are retried internally with exponential
// backoff before surfacing a typed error from errors.go.
package llm

import "context"

// Role constants for chat messages, matching the OpenAI wire values.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn sent to or received from a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tunes a completion call. Nil pointer fields fall back
// to the backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Usage reports token accounting for one call. Surfaced as message
// metadata so per-turn cost is auditable.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the outcome of a completion call. For streaming calls,
// Content is the accumulated full answer.
type ChatResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// StreamEvent carries one token delta during a streaming completion.
type StreamEvent struct {
	Content string `json:"content"`
}

// StreamCallback receives tokens as they are generated, in upstream order.
// Returning a non-nil error aborts the stream (e.g. on client disconnect).
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any chat-capable backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; handlers share one
// client instance per process.
type LLMClient interface {
	// Generate produces a completion for a single prompt. Convenience
	// wrapper over Chat with one user message.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a completion for a conversation.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error)

	// ChatStream produces a completion, invoking callback for every token
	// delta. The returned ChatResult carries the accumulated content and,
	// when the backend reports it, final usage. A callback error aborts
	// generation and is returned unwrapped.
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) (*ChatResult, error)
}

// EmbeddingResult is the outcome of an embedding call. Embeddings are in
// input order, one vector per input.
type EmbeddingResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Usage      Usage       `json:"usage"`
}

// Embedder defines the interface for dense-vector embedding backends.
type Embedder interface {
	// Embed computes the embedding of one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for up to MaxEmbeddingBatchSize
	// texts in one upstream call. Larger slices are rejected; callers
	// batch (the ingestion pipeline does).
	EmbedBatch(ctx context.Context, texts []string) (*EmbeddingResult, error)
}

// MaxEmbeddingBatchSize is the largest number of inputs allowed in a
// single EmbedBatch call.
const MaxEmbeddingBatchSize = 96
