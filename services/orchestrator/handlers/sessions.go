// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// SessionStore is the slice of the store the session handlers need.
type SessionStore interface {
	CreateSession(ctx context.Context, userID uuid.UUID, title string) (*datatypes.ChatSession, error)
	GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*datatypes.ChatSession, error)
	ListSessions(ctx context.Context, userID uuid.UUID, page, size int) ([]datatypes.ChatSession, int, error)
	UpdateSession(ctx context.Context, sessionID, userID uuid.UUID, req *datatypes.UpdateSessionRequest) (*datatypes.ChatSession, error)
	DeactivateSession(ctx context.Context, sessionID, userID uuid.UUID) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMessage, error)
}

// CreateSession opens a conversation explicitly. Most sessions are
// created lazily by the first chat turn instead.
func CreateSession(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		var req datatypes.CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		session, err := store.CreateSession(c.Request.Context(), userID, req.Title)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "session": session})
	}
}

// ListSessions pages through the user's active sessions.
func ListSessions(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

		sessions, total, err := store.ListSessions(c.Request.Context(), userID, page, size)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if page < 1 {
			page = 1
		}
		if size < 1 || size > 100 {
			size = 20
		}
		if sessions == nil {
			sessions = []datatypes.ChatSession{}
		}
		c.JSON(http.StatusOK, datatypes.SessionListResponse{
			Success:  true,
			Sessions: sessions,
			Pagination: datatypes.Pagination{
				Page:       page,
				Limit:      size,
				Total:      total,
				TotalPages: (total + size - 1) / size,
			},
		})
	}
}

// GetSession loads one session.
func GetSession(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		session, err := store.GetSession(c.Request.Context(), sessionID, userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
	}
}

// UpdateSession renames or re-activates a session.
func UpdateSession(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		var req datatypes.UpdateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		session, err := store.UpdateSession(c.Request.Context(), sessionID, userID, &req)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
	}
}

// DeleteSession soft-deletes a session; its messages stay for audit.
func DeleteSession(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		if err := store.DeactivateSession(c.Request.Context(), sessionID, userID); err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// ListSessionMessages returns a session's recent messages in
// chronological order, after an ownership check.
func ListSessionMessages(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		if _, err := store.GetSession(c.Request.Context(), sessionID, userID); err != nil {
			respondStoreError(c, err)
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		messages, err := store.ListMessages(c.Request.Context(), sessionID, limit)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if messages == nil {
			messages = []datatypes.ChatMessage{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "messages": messages})
	}
}

// GetSessionContext bundles a session with its recent messages, the view
// a client needs to resume a conversation.
func GetSessionContext(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		session, err := store.GetSession(c.Request.Context(), sessionID, userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		messages, err := store.ListMessages(c.Request.Context(), sessionID, 50)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if messages == nil {
			messages = []datatypes.ChatMessage{}
		}
		c.JSON(http.StatusOK, datatypes.SessionContext{
			Success:  true,
			Session:  *session,
			Messages: messages,
		})
	}
}
