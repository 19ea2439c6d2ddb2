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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// MemoryManager is the slice of the memory service the handlers call.
type MemoryManager interface {
	Consolidate(ctx context.Context, userID uuid.UUID, req *datatypes.ConsolidateRequest) (*datatypes.MemoryProfile, error)
	AutoConsolidate(ctx context.Context, userID uuid.UUID) error
	Summary(ctx context.Context, userID uuid.UUID) (*datatypes.MemorySummary, error)
	UpdateSettings(ctx context.Context, userID uuid.UUID, req *datatypes.MemorySettingsRequest) (*datatypes.ConsolidationSettings, error)
	GetMemoryProfile(ctx context.Context, userID uuid.UUID) (*datatypes.MemoryProfile, error)
}

// ConsolidateMemories triggers consolidation manually with optional
// strategy and type filters.
func ConsolidateMemories(memories MemoryManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		var req datatypes.ConsolidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		profile, err := memories.Consolidate(c.Request.Context(), userID, &req)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "memory_profile": profile})
	}
}

// AutoConsolidateMemories runs consolidation with the user's stored
// settings. A no-op when the auto_consolidate switch is off.
// Consolidation is user-scoped; the optional session_id query is only
// validated.
func AutoConsolidateMemories(memories MemoryManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		if raw := c.Query("session_id"); raw != "" {
			if _, err := uuid.Parse(raw); err != nil {
				c.JSON(http.StatusBadRequest, datatypes.NewError("invalid session id"))
				return
			}
		}
		if err := memories.AutoConsolidate(c.Request.Context(), userID); err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// GetMemoryProfile returns the consolidated memory document.
func GetMemoryProfile(memories MemoryManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		profile, err := memories.GetMemoryProfile(c.Request.Context(), userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "memory_profile": profile})
	}
}

// GetMemorySummary reports bucket sizes without the memory contents.
func GetMemorySummary(memories MemoryManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		summary, err := memories.Summary(c.Request.Context(), userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// UpdateMemorySettings mutates the consolidation knobs.
func UpdateMemorySettings(memories MemoryManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		var req datatypes.MemorySettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		settings, err := memories.UpdateSettings(c.Request.Context(), userID, &req)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "settings": settings})
	}
}
