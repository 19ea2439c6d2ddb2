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
// == Insight Endpoints
// =============================================================================

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// InsightStore is the slice of the store the insight handlers need.
type InsightStore interface {
	CreateInsight(ctx context.Context, ins *datatypes.Insight, tagIDs []uuid.UUID) error
	GetInsight(ctx context.Context, insightID, userID uuid.UUID) (*datatypes.Insight, error)
	ListInsights(ctx context.Context, userID uuid.UUID, page, limit int, search string) ([]datatypes.Insight, int, error)
	ListAllInsights(ctx context.Context, userID uuid.UUID) ([]datatypes.Insight, error)
	SyncETag(ctx context.Context, userID uuid.UUID) (string, error)
	UpdateInsight(ctx context.Context, insightID, userID uuid.UUID, req *datatypes.UpdateInsightRequest) (*datatypes.Insight, error)
	DeleteInsight(ctx context.Context, insightID, userID uuid.UUID) error
	GetChunkSummary(ctx context.Context, insightID, userID uuid.UUID) (*datatypes.ChunkSummary, error)
}

// Ingestor is the slice of the ingestion pipeline the handlers call.
type Ingestor interface {
	Run(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestReport, error)
	PreviewMetadata(ctx context.Context, url string) (*ingest.Extracted, error)
	WarmSummary(ctx context.Context, url, text string) error
}

// Scheduler hands background work to the supervisor.
type Scheduler interface {
	Go(name string, timeout time.Duration, task func(ctx context.Context) error) error
}

// CreateInsight persists the skeleton row immediately and hands the slow
// fetch/extract/embed work to the supervisor. The client gets its 201
// before any network I/O happens.
func CreateInsight(store InsightStore, ingestor Ingestor, scheduler Scheduler, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		var req datatypes.CreateInsightRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		ins := &datatypes.Insight{
			ID:      uuid.New(),
			UserID:  userID,
			URL:     req.URL,
			Title:   req.Title,
			Thought: req.Thought,
		}
		if err := store.CreateInsight(c.Request.Context(), ins, req.TagIDs); err != nil {
			respondStoreError(c, err)
			return
		}

		job := ingest.IngestRequest{
			InsightID: ins.ID,
			UserID:    userID,
			URL:       req.URL,
			UserTitle: req.Title,
			Thought:   req.Thought,
		}
		if err := scheduler.Go("ingest", ingest.IngestDeadline, func(ctx context.Context) error {
			_, err := ingestor.Run(ctx, job)
			return err
		}); err != nil {
			// The insight exists; ingestion just has to wait for a retry or
			// a manual re-save.
			logger.Warn("ingestion not scheduled",
				slog.String("insight_id", ins.ID.String()),
				slog.String("error", err.Error()))
		}

		c.JSON(http.StatusCreated, gin.H{"success": true, "insight": ins})
	}
}

// ListInsights returns one page of the user's insights.
func ListInsights(store InsightStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		search := c.Query("search")
		if page < 1 {
			page = 1
		}
		if limit < 1 || limit > 100 {
			limit = 20
		}

		insights, total, err := store.ListInsights(c.Request.Context(), userID, page, limit, search)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		totalPages := (total + limit - 1) / limit
		if insights == nil {
			insights = []datatypes.Insight{}
		}
		c.JSON(http.StatusOK, datatypes.InsightListResponse{
			Success:  true,
			Insights: insights,
			Pagination: datatypes.Pagination{
				Page:       page,
				Limit:      limit,
				Total:      total,
				TotalPages: totalPages,
			},
		})
	}
}

// ListAllInsights returns the user's full corpus in one response.
func ListAllInsights(store InsightStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		insights, err := store.ListAllInsights(c.Request.Context(), userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if insights == nil {
			insights = []datatypes.Insight{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "insights": insights, "count": len(insights)})
	}
}

// SyncInsights is the incremental-sync endpoint. When the client's
// If-None-Match matches the corpus ETag nothing is transferred; otherwise
// the full corpus comes back with the fresh ETag.
func SyncInsights(store InsightStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		etag, err := store.SyncETag(c.Request.Context(), userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.Header("ETag", etag)

		if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
			c.JSON(http.StatusOK, datatypes.SyncResponse{
				Success:  true,
				Insights: []datatypes.Insight{},
				ETag:     etag,
				Changed:  false,
			})
			return
		}

		insights, err := store.ListAllInsights(c.Request.Context(), userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		if insights == nil {
			insights = []datatypes.Insight{}
		}
		c.JSON(http.StatusOK, datatypes.SyncResponse{
			Success:  true,
			Insights: insights,
			ETag:     etag,
			Changed:  true,
		})
	}
}

// GetInsight loads one insight with its tags.
func GetInsight(store InsightStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		insightID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		ins, err := store.GetInsight(c.Request.Context(), insightID, userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "insight": ins})
	}
}

// UpdateInsight mutates user-editable fields.
func UpdateInsight(store InsightStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		insightID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		var req datatypes.UpdateInsightRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		ins, err := store.UpdateInsight(c.Request.Context(), insightID, userID, &req)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "insight": ins})
	}
}

// DeleteInsight removes an insight and everything hanging off it.
func DeleteInsight(store InsightStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		insightID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		if err := store.DeleteInsight(c.Request.Context(), insightID, userID); err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// GetChunkSummary reports indexing state for one insight, mainly for
// debugging why retrieval does or does not surface it.
func GetChunkSummary(store InsightStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		insightID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		summary, err := store.GetChunkSummary(c.Request.Context(), insightID, userID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "summary": summary})
	}
}
