// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/middleware"
)

// TestRouteTable pins the externally visible paths, including the alias
// spellings older clients still call. Handlers are never invoked here,
// so most dependencies stay nil.
func TestRouteTable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, Deps{
		Registry:    prometheus.NewRegistry(),
		Verifiers:   []middleware.TokenVerifier{middleware.NewOpaqueTokenVerifier("")},
		ChatLimiter: middleware.NewRateLimiter(1),
		Logger:      logging.New(logging.Config{Quiet: true}),
	})

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	want := []string{
		"GET /health",
		"GET /metrics",

		"POST /api/v1/insights",
		"GET /api/v1/insights",
		"GET /api/v1/insights/all",
		"GET /api/v1/insights/sync",
		"GET /api/v1/insights/:id/chunks",

		"POST /api/v1/metadata/extract",
		"GET /api/v1/metadata/summary",
		"GET /api/v1/metadata/summary/*url",

		"POST /api/v1/chat",
		"GET /api/v1/chat/health",

		"POST /api/v1/sessions",
		"POST /api/v1/chat/sessions",
		"GET /api/v1/chat/sessions/:id/messages",
		"GET /api/v1/chat/sessions/:id/context",

		"POST /api/v1/memories/consolidate",
		"POST /api/v1/memories/auto-consolidate",
		"POST /api/v1/user/memory/auto-consolidate",
		"GET /api/v1/user/memory/profile",
		"GET /api/v1/user/memory/summary",
		"PUT /api/v1/user/memory/settings",

		"GET /api/v1/email/preferences",
		"POST /api/v1/email/test-send",
		"POST /api/v1/email/digest/test-send",
		"POST /api/v1/email/cron",
		"POST /api/v1/email/cron/digest",
		"POST /api/v1/email/webhook",
		"POST /api/v1/email/webhooks/brevo",
		"GET /api/v1/email/unsubscribe/:token",
	}
	for _, route := range want {
		assert.True(t, registered[route], route)
	}
}
