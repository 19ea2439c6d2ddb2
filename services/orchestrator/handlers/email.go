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
// == Email Endpoints
// =============================================================================

package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/observability"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/services"
)

// cronSecretHeader authenticates the external scheduler's sweep calls.
const cronSecretHeader = "X-Cron-Secret"

// EmailPreferenceStore is the slice of the store the preference handlers
// need.
type EmailPreferenceStore interface {
	GetEmailPreferences(ctx context.Context, userID uuid.UUID) (*datatypes.EmailPreferences, error)
	UpdateEmailPreferences(ctx context.Context, userID uuid.UUID, req *datatypes.UpdateEmailPreferencesRequest) (*datatypes.EmailPreferences, error)
}

// DigestRunner is the slice of the dispatcher the digest handlers call.
type DigestRunner interface {
	Sweep(ctx context.Context) (*datatypes.CronDigestResponse, error)
	SendForUser(ctx context.Context, userID uuid.UUID, opts services.SendOptions) (datatypes.DigestDecision, error)
}

// EventSink is the slice of the event recorder the webhook handlers call.
type EventSink interface {
	Record(ctx context.Context, event *datatypes.EmailEvent) error
	Unsubscribe(ctx context.Context, token string) error
}

// GetEmailPreferences returns the caller's digest preferences, seeding
// defaults on first read.
func GetEmailPreferences(store EmailPreferenceStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		prefs, err := store.GetEmailPreferences(c.Request.Context(), userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "preferences": prefs})
	}
}

// UpdateEmailPreferences mutates digest preferences.
func UpdateEmailPreferences(store EmailPreferenceStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		var req datatypes.UpdateEmailPreferencesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		prefs, err := store.UpdateEmailPreferences(c.Request.Context(), userID, &req)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "preferences": prefs})
	}
}

// CronDigest runs one digest sweep. The external scheduler hits this
// hourly; the shared secret keeps it off the public surface.
func CronDigest(dispatcher DigestRunner, metrics *observability.Metrics, cronSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cronSecret == "" ||
			subtle.ConstantTimeCompare([]byte(c.GetHeader(cronSecretHeader)), []byte(cronSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, datatypes.NewError("invalid cron secret"))
			return
		}
		resp, err := dispatcher.Sweep(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.NewError("digest sweep failed"))
			return
		}
		for _, decision := range resp.Decisions {
			metrics.RecordDigestOutcome(digestOutcome(decision))
		}
		c.JSON(http.StatusOK, resp)
	}
}

// TestSendDigest exercises the digest path for the calling user, with
// optional force, dry-run and address override.
func TestSendDigest(dispatcher DigestRunner, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		var req datatypes.TestSendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		decision, err := dispatcher.SendForUser(c.Request.Context(), userID, services.SendOptions{
			Force:         req.Force,
			DryRun:        req.DryRun,
			EmailOverride: req.EmailOverride,
		})
		if err != nil {
			respondStoreError(c, err)
			return
		}
		metrics.RecordDigestOutcome(digestOutcome(decision))
		c.JSON(http.StatusOK, gin.H{"success": true, "decision": decision})
	}
}

func digestOutcome(decision datatypes.DigestDecision) string {
	switch {
	case decision.Sent:
		return "sent"
	case decision.Error != "":
		return "failed"
	default:
		return "skipped"
	}
}

// brevoWebhookEvent is the subset of the provider's webhook body we use.
type brevoWebhookEvent struct {
	Event     string `json:"event"`
	Email     string `json:"email"`
	MessageID string `json:"message-id"`
}

// EmailWebhook ingests provider delivery events. It always answers 200
// for recognized bodies so the provider does not retry endlessly; only a
// persistence failure is surfaced.
func EmailWebhook(recorder EventSink, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			badRequest(c, err)
			return
		}
		event := brevoWebhookEvent{}
		if v, ok := payload["event"].(string); ok {
			event.Event = v
		}
		if v, ok := payload["email"].(string); ok {
			event.Email = v
		}
		if v, ok := payload["message-id"].(string); ok {
			event.MessageID = v
		}
		if event.Event == "" {
			c.JSON(http.StatusBadRequest, datatypes.NewError("event field is required"))
			return
		}

		err := recorder.Record(c.Request.Context(), &datatypes.EmailEvent{
			ID:        uuid.New(),
			Provider:  "brevo",
			Event:     event.Event,
			Email:     event.Email,
			MessageID: event.MessageID,
			Payload:   payload,
		})
		if err != nil {
			logger.Error("recording email event failed",
				slog.String("event", event.Event),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, datatypes.NewError("could not record event"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// Unsubscribe resolves a footer token and disables the digest. It is a
// public GET because mail clients open it straight from the email; the
// response is a plain page, not JSON.
func Unsubscribe(recorder EventSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		if token == "" {
			c.String(http.StatusBadRequest, "Missing unsubscribe token.")
			return
		}
		if err := recorder.Unsubscribe(c.Request.Context(), token); err != nil {
			c.String(http.StatusNotFound, "This unsubscribe link is invalid or has expired.")
			return
		}
		c.String(http.StatusOK, "You have been unsubscribed from the weekly digest.")
	}
}
