// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
)

const (
	defaultChatModel      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"

	// EmbeddingDimensions is the vector width of the embedding model.
	// The chunk store's vector column is declared with this width.
	EmbeddingDimensions = 1536

	maxRetries       = 3
	retryBaseBackoff = 500 * time.Millisecond
	retryMaxBackoff  = 8 * time.Second
)

// OpenAIClient implements LLMClient and Embedder against the OpenAI API
// (or any OpenAI-compatible endpoint via OPENAI_BASE_URL).
//
// # Description
//
// One client instance is shared by the whole process. Chat calls power
// conversational answers, summaries, memory extraction, and digest
// narratives; embedding calls power chunk indexing and query-time
// retrieval. Transient upstream failures (429, 5xx, timeouts) are
// retried with exponential backoff and jitter before a typed error is
// returned.
//
// # Limitations
//
//   - Retries are attempt-scoped: a streaming call that fails mid-stream
//     is not resumed, the partial content is discarded and the caller
//     decides whether to restart.
//   - EmbedBatch enforces MaxEmbeddingBatchSize; callers batch.
//
// # Assumptions
//
//   - OPENAI_API_KEY is set (constructor fails otherwise).
//   - The configured embedding model produces EmbeddingDimensions-wide
//     vectors.
type OpenAIClient struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
	logger         *logging.Logger
}

// Compile-time interface checks.
var (
	_ LLMClient = (*OpenAIClient)(nil)
	_ Embedder  = (*OpenAIClient)(nil)
)

// OpenAIConfig configures NewOpenAIClient. Zero-value fields fall back to
// environment variables and package defaults.
type OpenAIConfig struct {
	// APIKey authenticates with the upstream. Default: $OPENAI_API_KEY.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers. Default: $OPENAI_BASE_URL, then the official endpoint.
	BaseURL string

	// ChatModel names the completion model. Default: $CHAT_MODEL, then
	// "gpt-4o-mini".
	ChatModel string

	// EmbeddingModel names the embedding model. Default: $EMBEDDING_MODEL,
	// then "text-embedding-3-small".
	EmbeddingModel string

	// Logger receives retry and failure logs. Default: logging.Default().
	Logger *logging.Logger
}

// NewOpenAIClient creates a client from cfg. Returns an error if no API
// key is available; everything else has a usable default.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrAuth)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = os.Getenv("CHAT_MODEL")
	}
	if chatModel == "" {
		chatModel = defaultChatModel
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = os.Getenv("EMBEDDING_MODEL")
	}
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientCfg),
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		logger:         logger,
	}, nil
}

// Generate produces a completion for a single prompt.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	result, err := c.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, params)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// Chat produces a completion for a conversation.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error) {
	req := c.buildRequest(messages, params)

	var resp openai.ChatCompletionResponse
	err := c.withRetries(ctx, "chat", func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, req)
		return classifyError(callErr)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", ErrUpstreamServer)
	}

	return &ChatResult{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatStream produces a completion, delivering token deltas to callback.
//
// Retries apply only to opening the stream; a failure after the first
// token has been delivered is returned as-is, since the caller may
// already have written partial content to its client.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) (*ChatResult, error) {
	req := c.buildRequest(messages, params)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	err := c.withRetries(ctx, "chat_stream", func() error {
		var callErr error
		stream, callErr = c.client.CreateChatCompletionStream(ctx, req)
		return classifyError(callErr)
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result := &ChatResult{Model: req.Model}
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, classifyError(recvErr)
		}

		if chunk.Usage != nil {
			result.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		result.Content += delta
		if cbErr := callback(StreamEvent{Content: delta}); cbErr != nil {
			return nil, cbErr
		}
	}
	return result, nil
}

// Embed computes the embedding of one text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return result.Embeddings[0], nil
}

// EmbedBatch computes embeddings for up to MaxEmbeddingBatchSize texts.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) (*EmbeddingResult, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: empty embedding batch", ErrBadRequest)
	}
	if len(texts) > MaxEmbeddingBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d", ErrBadRequest, len(texts), MaxEmbeddingBatchSize)
	}

	req := openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	}

	var resp openai.EmbeddingResponse
	err := c.withRetries(ctx, "embed", func() error {
		var callErr error
		resp, callErr = c.client.CreateEmbeddings(ctx, req)
		return classifyError(callErr)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrUpstreamServer, len(resp.Data), len(texts))
	}

	result := &EmbeddingResult{
		Embeddings: make([][]float32, len(resp.Data)),
		Model:      string(resp.Model),
		Usage: Usage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	// The API may return data out of order; Index is authoritative.
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrUpstreamServer, item.Index)
		}
		result.Embeddings[item.Index] = item.Embedding
	}
	if len(result.Embeddings[0]) > 0 {
		result.Dimensions = len(result.Embeddings[0])
	}
	return result, nil
}

func (c *OpenAIClient) buildRequest(messages []Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.chatModel,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// withRetries runs call up to maxRetries+1 times, backing off between
// retryable failures. Backoff doubles per attempt with full jitter.
func (c *OpenAIClient) withRetries(ctx context.Context, op string, call func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = call()
		if err == nil || !IsRetryable(err) || attempt >= maxRetries {
			return err
		}

		backoff := retryBackoff(attempt)
		c.logger.Warn("llm call retrying",
			"op", op,
			"attempt", attempt+1,
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func retryBackoff(attempt int) time.Duration {
	backoff := retryBaseBackoff << uint(attempt)
	if backoff > retryMaxBackoff {
		backoff = retryMaxBackoff
	}
	// Full jitter avoids thundering-herd retries across workers.
	return time.Duration(rand.Int63n(int64(backoff))) + backoff/2
}
