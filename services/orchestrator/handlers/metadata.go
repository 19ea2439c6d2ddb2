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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// warmSummaryTimeout bounds the background summary generation kicked off
// by a metadata preview.
const warmSummaryTimeout = 2 * time.Minute

type extractMetadataRequest struct {
	URL string `json:"url" binding:"required,url,max=500"`
}

// ExtractMetadata fetches a page and returns its title, description and
// image synchronously, for the save dialog's preview. The extracted text
// also warms the summary cache in the background so the eventual save is
// cheaper.
func ExtractMetadata(ingestor Ingestor, scheduler Scheduler, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := currentUser(c); !ok {
			return
		}
		var req extractMetadataRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		extracted, err := ingestor.PreviewMetadata(c.Request.Context(), req.URL)
		if err != nil {
			c.JSON(http.StatusBadGateway, datatypes.NewError("could not fetch the page"))
			return
		}

		if extracted.Text != "" {
			url, text := req.URL, extracted.Text
			if err := scheduler.Go("warm-summary", warmSummaryTimeout, func(ctx context.Context) error {
				return ingestor.WarmSummary(ctx, url, text)
			}); err != nil {
				logger.Debug("summary warm-up not scheduled",
					slog.String("error", err.Error()))
			}
		}

		c.JSON(http.StatusOK, datatypes.MetadataPreview{
			Success:     true,
			URL:         req.URL,
			Title:       extracted.Title,
			Description: extracted.Description,
			ImageURL:    extracted.ImageURL,
		})
	}
}

// GetCachedSummary polls the summary warmed by ExtractMetadata. Ready is
// false while generation is still in flight or the entry has expired.
// The URL arrives either as the rest of the path or as the url query
// parameter.
func GetCachedSummary(cache *ingest.SummaryCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := currentUser(c); !ok {
			return
		}
		url := strings.TrimPrefix(c.Param("url"), "/")
		if url == "" {
			url = c.Query("url")
		}
		if url == "" {
			c.JSON(http.StatusBadRequest, datatypes.NewError("url query parameter is required"))
			return
		}
		summary, ready := cache.GetCompleted(url)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"url":     url,
			"ready":   ready,
			"summary": summary,
		})
	}
}
