// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/llm"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/middleware"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/observability"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/routes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/services"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/store"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

const serviceName = "quest-api"

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		// Tracing stays off without a collector; spans become no-ops.
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: serviceName,
		JSON:    true,
	})
	defer logger.Close()

	port := envDefault("PORT", "8080")

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	db, err := store.New(ctx, os.Getenv("DATABASE_URL"), logger)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	// --- Model client ---
	model, err := llm.NewOpenAIClient(llm.OpenAIConfig{Logger: logger})
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	// --- Ingestion ---
	supervisor := ingest.NewSupervisor(envInt("INGEST_MAX_CONCURRENT", 4), logger)
	summaryCache := ingest.NewSummaryCache()
	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Fetcher:   ingest.NewFetcher(),
		Extractor: ingest.NewExtractor(),
		Chunker:   ingest.NewChunker(0, 0),
		Cache:     summaryCache,
		LLM:       model,
		Embedder:  model,
		Store:     db,
		Logger:    logger,
	})

	// --- Chat ---
	retriever := services.NewRetriever(services.RetrieverConfig{
		Embedder: model,
		Searcher: db,
		Logger:   logger,
	})
	memories := services.NewMemoryService(db, model, logger)
	engine := services.NewChatEngine(services.ChatEngineConfig{
		Store:      db,
		Retriever:  retriever,
		Model:      model,
		Memories:   memories,
		Supervisor: supervisor,
		Logger:     logger,
	})

	// --- Weekly digest ---
	sender, err := services.NewBrevoSender(services.BrevoConfig{Logger: logger})
	if err != nil {
		log.Fatalf("failed to configure email sender: %v", err)
	}
	builder := services.NewDigestBuilder(db, model, logger)
	dispatcher := services.NewDigestDispatcher(services.DigestDispatcherConfig{
		Store:   db,
		Builder: builder,
		Sender:  sender,
		Logger:  logger,
	})
	recorder := services.NewEmailEventRecorder(db, logger)

	// --- Auth ---
	verifiers := []middleware.TokenVerifier{middleware.NewOpaqueTokenVerifier("")}
	if backend, err := middleware.NewAuthBackendVerifier(""); err == nil {
		verifiers = append([]middleware.TokenVerifier{backend}, verifiers...)
	} else {
		logger.Warn("auth backend not configured, JWT logins disabled",
			slog.String("error", err.Error()))
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(router, routes.Deps{
		Store:         db,
		Pipeline:      pipeline,
		SummaryCache:  summaryCache,
		Supervisor:    supervisor,
		Engine:        engine,
		Memories:      memories,
		Dispatcher:    dispatcher,
		Recorder:      recorder,
		Metrics:       metrics,
		Registry:      registry,
		Verifiers:     verifiers,
		ChatLimiter:   middleware.NewRateLimiter(envInt("CHAT_RATE_PER_MINUTE", middleware.DefaultChatRatePerMinute)),
		Logger:        logger,
		CronSecret:    os.Getenv("CRON_SECRET"),
		DefaultStream: envDefault("CHAT_DEFAULT_STREAM", "true") == "true",
	})

	// Internal digest schedule, for deployments without an external
	// scheduler hitting /api/v1/email/cron.
	var scheduler *cron.Cron
	if spec := os.Getenv("DIGEST_INTERNAL_CRON"); spec != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(spec, func() {
			if _, err := dispatcher.Sweep(context.Background()); err != nil {
				logger.Error("internal digest sweep failed", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			log.Fatalf("invalid DIGEST_INTERNAL_CRON: %v", err)
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting the quest-api server", slog.String("port", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("background drain incomplete", slog.String("error", err.Error()))
	}
}
