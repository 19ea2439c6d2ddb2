// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/handlers"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/middleware"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/observability"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/services"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/store"
)

// Deps carries everything the route tree needs. All fields are required
// unless noted.
type Deps struct {
	Store        *store.Store
	Pipeline     *ingest.Pipeline
	SummaryCache *ingest.SummaryCache
	Supervisor   *ingest.Supervisor
	Engine       *services.ChatEngine
	Memories     *services.MemoryService
	Dispatcher   *services.DigestDispatcher
	Recorder     *services.EmailEventRecorder
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry
	Verifiers    []middleware.TokenVerifier
	ChatLimiter  *middleware.RateLimiter
	Logger       *logging.Logger

	// CronSecret authenticates the external scheduler. Empty closes the
	// cron endpoint.
	CronSecret string

	// DefaultStream picks the chat mode when the client does not pass
	// ?stream.
	DefaultStream bool
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.Health(deps.Store))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		// Provider webhooks and footer links carry no bearer token. The
		// webhook and cron endpoints answer under two spellings; older
		// scheduler and provider configs still point at the short ones.
		email := v1.Group("/email")
		{
			webhook := handlers.EmailWebhook(deps.Recorder, deps.Logger)
			email.POST("/webhook", webhook)
			email.POST("/webhooks/brevo", webhook)
			email.GET("/unsubscribe/:token", handlers.Unsubscribe(deps.Recorder))
			cron := handlers.CronDigest(deps.Dispatcher, deps.Metrics, deps.CronSecret)
			email.POST("/cron", cron)
			email.POST("/cron/digest", cron)
		}

		v1.GET("/chat/health", handlers.ChatHealth())

		authed := v1.Group("", middleware.RequireAuth(deps.Verifiers...))
		{
			insights := authed.Group("/insights")
			{
				insights.POST("", handlers.CreateInsight(deps.Store, deps.Pipeline, deps.Supervisor, deps.Logger))
				insights.GET("", handlers.ListInsights(deps.Store))
				insights.GET("/all", handlers.ListAllInsights(deps.Store))
				insights.GET("/sync", handlers.SyncInsights(deps.Store))
				insights.GET("/:id", handlers.GetInsight(deps.Store))
				insights.PUT("/:id", handlers.UpdateInsight(deps.Store))
				insights.DELETE("/:id", handlers.DeleteInsight(deps.Store))
				insights.GET("/:id/chunks", handlers.GetChunkSummary(deps.Store))
			}

			metadata := authed.Group("/metadata")
			{
				metadata.POST("/extract", handlers.ExtractMetadata(deps.Pipeline, deps.Supervisor, deps.Logger))
				summary := handlers.GetCachedSummary(deps.SummaryCache)
				metadata.GET("/summary", summary)
				metadata.GET("/summary/*url", summary)
			}

			authed.POST("/chat", deps.ChatLimiter.Middleware(),
				handlers.Chat(deps.Engine, deps.Metrics, deps.DefaultStream, deps.Logger))

			// Sessions and memories answer under two prefixes each; the
			// extension still calls the /chat/sessions and /user/memory
			// spellings.
			sessionRoutes := func(sessions *gin.RouterGroup) {
				sessions.POST("", handlers.CreateSession(deps.Store))
				sessions.GET("", handlers.ListSessions(deps.Store))
				sessions.GET("/:id", handlers.GetSession(deps.Store))
				sessions.PUT("/:id", handlers.UpdateSession(deps.Store))
				sessions.DELETE("/:id", handlers.DeleteSession(deps.Store))
				sessions.GET("/:id/messages", handlers.ListSessionMessages(deps.Store))
				sessions.GET("/:id/context", handlers.GetSessionContext(deps.Store))
			}
			sessionRoutes(authed.Group("/sessions"))
			sessionRoutes(authed.Group("/chat/sessions"))

			memoryRoutes := func(memories *gin.RouterGroup) {
				memories.POST("/consolidate", handlers.ConsolidateMemories(deps.Memories))
				memories.POST("/auto-consolidate", handlers.AutoConsolidateMemories(deps.Memories))
				memories.GET("/profile", handlers.GetMemoryProfile(deps.Memories))
				memories.GET("/summary", handlers.GetMemorySummary(deps.Memories))
				memories.PUT("/settings", handlers.UpdateMemorySettings(deps.Memories))
			}
			memoryRoutes(authed.Group("/memories"))
			memoryRoutes(authed.Group("/user/memory"))

			emailAuthed := authed.Group("/email")
			{
				emailAuthed.GET("/preferences", handlers.GetEmailPreferences(deps.Store))
				emailAuthed.PUT("/preferences", handlers.UpdateEmailPreferences(deps.Store))
				testSend := handlers.TestSendDigest(deps.Dispatcher, deps.Metrics)
				emailAuthed.POST("/test-send", testSend)
				emailAuthed.POST("/digest/test-send", testSend)
			}
		}
	}
}
