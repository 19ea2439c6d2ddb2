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
// == Chat Engine
// =============================================================================

package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/llm"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

const (
	// historyWindow is how many recent turns go into the prompt.
	historyWindow = 20

	// promptMemoryLimit caps how many session memories the prompt carries.
	promptMemoryLimit = 5

	// titleRuneLimit is how much of the first user message becomes the
	// session title.
	titleRuneLimit = 40

	// consolidationTurnInterval triggers auto-consolidation every K user
	// turns in a session.
	consolidationTurnInterval = 10

	memoryExtractionTimeout = 30 * time.Second
)

const chatSystemPrompt = `You are Quest, a personal knowledge assistant. Answer using the user's saved notes when they are relevant.

Rules:
- When you use information from the provided notes, cite it inline with its bracketed number, like [1].
- Do not fabricate citations or invent content that is not in the notes.
- If the notes do not cover the question, say so and answer from general knowledge without citations.
- Be concise and direct.`

// ChatStore is the slice of the store the engine needs.
type ChatStore interface {
	CreateSession(ctx context.Context, userID uuid.UUID, title string) (*datatypes.ChatSession, error)
	GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*datatypes.ChatSession, error)
	SetSessionTitle(ctx context.Context, sessionID uuid.UUID, title string) error
	InsertMessage(ctx context.Context, msg *datatypes.ChatMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMessage, error)
	CountUserMessages(ctx context.Context, sessionID uuid.UUID) (int, error)
	InsertRAGContext(ctx context.Context, messageID uuid.UUID, ragCtx *datatypes.RAGContext) error
	TopMemoriesForSession(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMemory, error)
}

// TurnResult is what one completed chat turn reports back to the handler.
type TurnResult struct {
	RequestID string
	SessionID uuid.UUID
	Content   string
	Sources   []datatypes.Source
	LatencyMS int64
	Model     string
	Usage     llm.Usage
}

// ChatEngine runs conversational turns: session management, retrieval,
// prompt assembly, model streaming and persistence.
//
// # Description
//
// Turns within one session are serialized by a per-session mutex, so a
// client that fires two messages at once gets a coherent history instead
// of interleaved writes. Different sessions proceed concurrently.
//
// # Assumptions
//
//   - The caller has already authenticated the user and validated the
//     request body.
type ChatEngine struct {
	store      ChatStore
	retriever  *Retriever
	model      llm.LLMClient
	memories   *MemoryService
	supervisor *ingest.Supervisor
	logger     *logging.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*sync.Mutex
}

// ChatEngineConfig carries the engine's dependencies.
type ChatEngineConfig struct {
	Store      ChatStore
	Retriever  *Retriever
	Model      llm.LLMClient
	Memories   *MemoryService
	Supervisor *ingest.Supervisor
	Logger     *logging.Logger
}

// NewChatEngine constructs a ChatEngine. Panics on nil dependencies;
// Memories and Supervisor are optional (memory extraction is skipped
// without them).
func NewChatEngine(cfg ChatEngineConfig) *ChatEngine {
	if cfg.Store == nil {
		panic("services: NewChatEngine requires a store")
	}
	if cfg.Retriever == nil {
		panic("services: NewChatEngine requires a retriever")
	}
	if cfg.Model == nil {
		panic("services: NewChatEngine requires a model client")
	}
	if cfg.Logger == nil {
		panic("services: NewChatEngine requires a logger")
	}
	return &ChatEngine{
		store:      cfg.Store,
		retriever:  cfg.Retriever,
		model:      cfg.Model,
		memories:   cfg.Memories,
		supervisor: cfg.Supervisor,
		logger:     cfg.Logger,
		sessions:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing one session's turns.
func (e *ChatEngine) sessionLock(sessionID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessions[sessionID] = lock
	}
	return lock
}

// EnsureSession resolves the session for a turn: reuse the given one
// after an ownership check, or create a fresh one when none is given.
func (e *ChatEngine) EnsureSession(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID) (*datatypes.ChatSession, error) {
	if sessionID != nil && *sessionID != uuid.Nil {
		return e.store.GetSession(ctx, *sessionID, userID)
	}
	return e.store.CreateSession(ctx, userID, "")
}

// Stream runs one chat turn, delivering token deltas through onDelta as
// they arrive. The user message is persisted before retrieval starts, so
// it stays in the history even when the turn is aborted; a cancelled or
// failed stream discards only the partial assistant text.
func (e *ChatEngine) Stream(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, message string, onDelta func(content string) error) (*TurnResult, error) {
	tracer := otel.Tracer("quest.chat.engine")
	ctx, span := tracer.Start(ctx, "chat.turn")
	defer span.End()

	started := time.Now()
	requestID := uuid.New().String()

	session, err := e.EnsureSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", session.ID.String()),
		attribute.String("request.id", requestID),
	)

	lock := e.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Step 1: persist the user message. It belongs to the history even
	// when the rest of the turn fails.
	userMsg, err := e.persistUserMessage(ctx, session, message)
	if err != nil {
		return nil, err
	}

	// Step 2: retrieval. Fail-closed, never blocks the turn.
	ragCtx := e.retriever.Retrieve(ctx, userID, message)

	// Step 3: prompt assembly from memories, retrieval and history.
	prompt, err := e.buildPrompt(ctx, session.ID, userMsg.ID, ragCtx, message)
	if err != nil {
		return nil, err
	}

	// Step 4: stream the model.
	var content strings.Builder
	chatResult, err := e.model.ChatStream(ctx, prompt, llm.GenerationParams{}, func(ev llm.StreamEvent) error {
		content.WriteString(ev.Content)
		if onDelta != nil {
			return onDelta(ev.Content)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	latency := time.Since(started).Milliseconds()
	sources := datatypes.MergeChunksToSources(ragCtx.Chunks)

	// Step 5: persist the assistant's answer.
	if err := e.persistAssistant(ctx, session, userMsg, content.String(), chatResult, ragCtx, sources, requestID, latency); err != nil {
		// The answer already reached the client; log and report success.
		e.logger.Error("persisting chat turn failed",
			slog.String("session_id", session.ID.String()),
			slog.String("error", err.Error()))
	}

	// Step 6: background memory extraction.
	e.scheduleMemoryExtraction(session.ID, userID, message, content.String())

	return &TurnResult{
		RequestID: requestID,
		SessionID: session.ID,
		Content:   content.String(),
		Sources:   sources,
		LatencyMS: latency,
		Model:     chatResult.Model,
		Usage:     chatResult.Usage,
	}, nil
}

// Complete runs one turn without streaming.
func (e *ChatEngine) Complete(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, message string) (*TurnResult, error) {
	return e.Stream(ctx, userID, sessionID, message, nil)
}

func (e *ChatEngine) buildPrompt(ctx context.Context, sessionID, userMsgID uuid.UUID, ragCtx *datatypes.RAGContext, message string) ([]llm.Message, error) {
	var system strings.Builder
	system.WriteString(chatSystemPrompt)

	memories, err := e.store.TopMemoriesForSession(ctx, sessionID, promptMemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	if len(memories) > 0 {
		system.WriteString("\n\nWhat you remember about this user:\n")
		for _, m := range memories {
			fmt.Fprintf(&system, "- [%s] %s\n", m.MemoryType, m.Content)
		}
	}

	system.WriteString("\n\nUser's saved notes:\n")
	if ragCtx.Empty() {
		system.WriteString("No relevant prior notes.")
	} else {
		system.WriteString(ragCtx.ContextText)
	}

	history, err := e.store.ListMessages(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	prompt := make([]llm.Message, 0, len(history)+2)
	prompt = append(prompt, llm.Message{Role: llm.RoleSystem, Content: system.String()})
	for _, msg := range history {
		if msg.ID == userMsgID {
			// This turn's question is already persisted; it goes last.
			continue
		}
		if msg.Role != datatypes.RoleUser && msg.Role != datatypes.RoleAssistant {
			continue
		}
		prompt = append(prompt, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	prompt = append(prompt, llm.Message{Role: llm.RoleUser, Content: message})
	return prompt, nil
}

// persistUserMessage writes this turn's question and, on a session's
// first turn, derives the session title from it.
func (e *ChatEngine) persistUserMessage(ctx context.Context, session *datatypes.ChatSession, userMessage string) (*datatypes.ChatMessage, error) {
	// Persistence must survive the client hanging up mid-write.
	ctx = context.WithoutCancel(ctx)

	userMsg := &datatypes.ChatMessage{
		ID:        uuid.New(),
		SessionID: session.ID,
		Role:      datatypes.RoleUser,
		Content:   userMessage,
	}
	if err := e.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	if session.Title == "" {
		if err := e.store.SetSessionTitle(ctx, session.ID, deriveTitle(userMessage)); err != nil {
			e.logger.Warn("setting session title failed",
				slog.String("session_id", session.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return userMsg, nil
}

func (e *ChatEngine) persistAssistant(ctx context.Context, session *datatypes.ChatSession, userMsg *datatypes.ChatMessage, answer string, chatResult *llm.ChatResult, ragCtx *datatypes.RAGContext, sources []datatypes.Source, requestID string, latencyMS int64) error {
	ctx = context.WithoutCancel(ctx)

	assistantMsg := &datatypes.ChatMessage{
		ID:              uuid.New(),
		SessionID:       session.ID,
		Role:            datatypes.RoleAssistant,
		Content:         answer,
		ParentMessageID: &userMsg.ID,
		Metadata: map[string]any{
			"request_id":        requestID,
			"model":             chatResult.Model,
			"prompt_tokens":     chatResult.Usage.PromptTokens,
			"completion_tokens": chatResult.Usage.CompletionTokens,
			"latency_ms":        latencyMS,
			"rag_k":             ragCtx.K,
			"sources":           sources,
		},
	}
	if err := e.store.InsertMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}

	if !ragCtx.Empty() {
		if err := e.store.InsertRAGContext(ctx, assistantMsg.ID, ragCtx); err != nil {
			return fmt.Errorf("persist rag context: %w", err)
		}
	}
	return nil
}

// scheduleMemoryExtraction runs extraction and, every K turns,
// consolidation on the supervisor. Best effort; a full queue just skips
// this turn's extraction.
func (e *ChatEngine) scheduleMemoryExtraction(sessionID, userID uuid.UUID, userMessage, answer string) {
	if e.memories == nil || e.supervisor == nil {
		return
	}
	err := e.supervisor.Go("memory-extraction", memoryExtractionTimeout, func(ctx context.Context) error {
		if err := e.memories.ExtractFromTurn(ctx, sessionID, userMessage, answer); err != nil {
			return err
		}
		turns, err := e.store.CountUserMessages(ctx, sessionID)
		if err != nil {
			return err
		}
		if turns > 0 && turns%consolidationTurnInterval == 0 {
			return e.memories.AutoConsolidate(ctx, userID)
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("memory extraction not scheduled",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
	}
}

// deriveTitle takes the head of the first user message as the session
// title.
func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) > titleRuneLimit {
		title = strings.TrimSpace(string(runes[:titleRuneLimit])) + "..."
	}
	return title
}
