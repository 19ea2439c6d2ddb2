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
// == Chat Endpoint
// =============================================================================

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/observability"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/services"
)

// sessionIDHeader carries the session across turns. The response echoes
// it so a client starting a fresh conversation learns its session id
// before the first token arrives.
const sessionIDHeader = "X-Session-ID"

// ChatRunner is the slice of the chat engine the handler calls.
type ChatRunner interface {
	EnsureSession(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID) (*datatypes.ChatSession, error)
	Stream(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, message string, onDelta func(content string) error) (*services.TurnResult, error)
	Complete(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, message string) (*services.TurnResult, error)
}

// Chat runs one conversational turn. The default mode is SSE streaming;
// ?stream=false (or defaultStream=false) switches to a single JSON
// response with identical semantics.
func Chat(engine ChatRunner, metrics *observability.Metrics, defaultStream bool, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, err)
			return
		}

		// The session id travels in the header or, for clients that cannot
		// set headers on an EventSource, the session_id query parameter.
		var sessionID *uuid.UUID
		raw := c.GetHeader(sessionIDHeader)
		if raw == "" {
			raw = c.Query("session_id")
		}
		if raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, datatypes.NewError("invalid session id"))
				return
			}
			sessionID = &id
		}

		streaming := defaultStream
		if raw := c.Query("stream"); raw != "" {
			if parsed, err := strconv.ParseBool(raw); err == nil {
				streaming = parsed
			}
		}

		// Resolve the session up front so its id can travel in a header,
		// which must be written before the first streamed byte.
		session, err := engine.EnsureSession(c.Request.Context(), userID, sessionID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.Header(sessionIDHeader, session.ID.String())

		if streaming {
			streamTurn(c, engine, metrics, logger, userID, session.ID, req.Message)
			return
		}
		blockingTurn(c, engine, metrics, userID, session.ID, req.Message)
	}
}

// ChatHealth reports whether the chat pipeline can serve turns. The
// model credential is read once at startup.
func ChatHealth() gin.HandlerFunc {
	configured := os.Getenv("OPENAI_API_KEY") != ""
	return func(c *gin.Context) {
		status := "healthy"
		message := "chat service is operational"
		if !configured {
			status = "degraded"
			message = "OPENAI_API_KEY is not configured"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"message":   message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"features": gin.H{
				"rag_enabled":           true,
				"streaming_enabled":     true,
				"rate_limiting_enabled": true,
			},
		})
	}
}

func streamTurn(c *gin.Context, engine ChatRunner, metrics *observability.Metrics, logger *logging.Logger, userID, sessionID uuid.UUID, message string) {
	writer, err := newSSEWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.NewError("streaming not supported"))
		return
	}

	metrics.StreamStarted()
	defer metrics.StreamEnded()
	started := time.Now()

	result, err := engine.Stream(c.Request.Context(), userID, &sessionID, message, func(content string) error {
		return writer.send(datatypes.StreamContentEvent{
			Type:    datatypes.StreamEventContent,
			Content: content,
		})
	})
	elapsed := time.Since(started).Seconds()

	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client hung up mid-stream; the user message is already saved,
			// the partial answer is dropped, and there is nobody left to
			// write an error event to.
			metrics.RecordClientDisconnect()
			metrics.RecordChatTurn("stream", false, elapsed)
			logger.Info("chat stream aborted by client",
				slog.String("session_id", sessionID.String()))
			return
		}
		metrics.RecordChatTurn("stream", false, elapsed)
		logger.Error("chat stream failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
		_ = writer.send(datatypes.StreamErrorEvent{
			Type:    datatypes.StreamEventError,
			Code:    "chat_failed",
			Message: "the assistant could not complete this turn",
		})
		return
	}

	sources := result.Sources
	if sources == nil {
		sources = []datatypes.Source{}
	}
	_ = writer.send(datatypes.StreamDoneEvent{
		Type:      datatypes.StreamEventDone,
		RequestID: result.RequestID,
		SessionID: result.SessionID.String(),
		LatencyMS: result.LatencyMS,
		Sources:   sources,
	})
	metrics.RecordChatTurn("stream", true, elapsed)
	metrics.RecordTokens(result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Model)
}

func blockingTurn(c *gin.Context, engine ChatRunner, metrics *observability.Metrics, userID, sessionID uuid.UUID, message string) {
	started := time.Now()
	result, err := engine.Complete(c.Request.Context(), userID, &sessionID, message)
	elapsed := time.Since(started).Seconds()

	if err != nil {
		metrics.RecordChatTurn("blocking", false, elapsed)
		c.JSON(http.StatusBadGateway, datatypes.NewError("the assistant could not complete this turn"))
		return
	}
	metrics.RecordChatTurn("blocking", true, elapsed)
	metrics.RecordTokens(result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Model)

	sources := result.Sources
	if sources == nil {
		sources = []datatypes.Source{}
	}
	c.JSON(http.StatusOK, datatypes.ChatResponse{
		Success:   true,
		Response:  result.Content,
		SessionID: result.SessionID.String(),
		RequestID: result.RequestID,
		LatencyMS: result.LatencyMS,
		Sources:   sources,
	})
}
