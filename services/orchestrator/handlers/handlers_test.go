// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/ingest"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/middleware"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/observability"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/services"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

// authAs simulates RequireAuth having authenticated userID.
func authAs(userID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		middleware.SetUserID(c, userID)
	}
}

// =============================================================================
// Fakes
// =============================================================================

type fakeInsightStore struct {
	insights  map[uuid.UUID]*datatypes.Insight
	etag      string
	createErr error
}

func newFakeInsightStore() *fakeInsightStore {
	return &fakeInsightStore{
		insights: make(map[uuid.UUID]*datatypes.Insight),
		etag:     `W/"1-1"`,
	}
}

func (f *fakeInsightStore) CreateInsight(ctx context.Context, ins *datatypes.Insight, tagIDs []uuid.UUID) error {
	if f.createErr != nil {
		return f.createErr
	}
	ins.CreatedAt = time.Now()
	ins.UpdatedAt = ins.CreatedAt
	f.insights[ins.ID] = ins
	return nil
}

func (f *fakeInsightStore) GetInsight(ctx context.Context, insightID, userID uuid.UUID) (*datatypes.Insight, error) {
	ins, ok := f.insights[insightID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ins.UserID != userID {
		return nil, store.ErrForbidden
	}
	return ins, nil
}

func (f *fakeInsightStore) ListInsights(ctx context.Context, userID uuid.UUID, page, limit int, search string) ([]datatypes.Insight, int, error) {
	var out []datatypes.Insight
	for _, ins := range f.insights {
		if ins.UserID == userID {
			out = append(out, *ins)
		}
	}
	return out, len(out), nil
}

func (f *fakeInsightStore) ListAllInsights(ctx context.Context, userID uuid.UUID) ([]datatypes.Insight, error) {
	all, _, err := f.ListInsights(ctx, userID, 1, 100, "")
	return all, err
}

func (f *fakeInsightStore) SyncETag(ctx context.Context, userID uuid.UUID) (string, error) {
	return f.etag, nil
}

func (f *fakeInsightStore) UpdateInsight(ctx context.Context, insightID, userID uuid.UUID, req *datatypes.UpdateInsightRequest) (*datatypes.Insight, error) {
	ins, err := f.GetInsight(ctx, insightID, userID)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		ins.Title = *req.Title
	}
	if req.Thought != nil {
		ins.Thought = *req.Thought
	}
	return ins, nil
}

func (f *fakeInsightStore) DeleteInsight(ctx context.Context, insightID, userID uuid.UUID) error {
	if _, err := f.GetInsight(ctx, insightID, userID); err != nil {
		return err
	}
	delete(f.insights, insightID)
	return nil
}

func (f *fakeInsightStore) GetChunkSummary(ctx context.Context, insightID, userID uuid.UUID) (*datatypes.ChunkSummary, error) {
	if _, err := f.GetInsight(ctx, insightID, userID); err != nil {
		return nil, err
	}
	return &datatypes.ChunkSummary{InsightID: insightID, TotalChunks: 4, ChunksWithEmbedding: 4}, nil
}

type fakeIngestor struct {
	runs       []ingest.IngestRequest
	preview    *ingest.Extracted
	previewErr error
	warmed     []string
}

func (f *fakeIngestor) Run(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestReport, error) {
	f.runs = append(f.runs, req)
	return &ingest.IngestReport{InsightID: req.InsightID}, nil
}

func (f *fakeIngestor) PreviewMetadata(ctx context.Context, url string) (*ingest.Extracted, error) {
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	return f.preview, nil
}

func (f *fakeIngestor) WarmSummary(ctx context.Context, url, text string) error {
	f.warmed = append(f.warmed, url)
	return nil
}

// syncScheduler runs scheduled work inline, making background effects
// observable to the test.
type syncScheduler struct {
	names []string
	err   error
}

func (s *syncScheduler) Go(name string, timeout time.Duration, task func(ctx context.Context) error) error {
	if s.err != nil {
		return s.err
	}
	s.names = append(s.names, name)
	return task(context.Background())
}

type fakeChatRunner struct {
	session   *datatypes.ChatSession
	ensureErr error
	deltas    []string
	result    *services.TurnResult
	err       error

	gotMessage   string
	gotSessionID *uuid.UUID
}

func (f *fakeChatRunner) EnsureSession(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID) (*datatypes.ChatSession, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.session, nil
}

func (f *fakeChatRunner) Stream(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, message string, onDelta func(content string) error) (*services.TurnResult, error) {
	f.gotMessage = message
	f.gotSessionID = sessionID
	for _, delta := range f.deltas {
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return nil, err
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeChatRunner) Complete(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, message string) (*services.TurnResult, error) {
	return f.Stream(ctx, userID, sessionID, message, nil)
}

type fakeSessionStore struct {
	sessions map[uuid.UUID]*datatypes.ChatSession
	messages map[uuid.UUID][]datatypes.ChatMessage
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*datatypes.ChatSession),
		messages: make(map[uuid.UUID][]datatypes.ChatMessage),
	}
}

func (f *fakeSessionStore) CreateSession(ctx context.Context, userID uuid.UUID, title string) (*datatypes.ChatSession, error) {
	sess := &datatypes.ChatSession{ID: uuid.New(), UserID: userID, Title: title, IsActive: true}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessionStore) GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*datatypes.ChatSession, error) {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.UserID != userID {
		return nil, store.ErrForbidden
	}
	return sess, nil
}

func (f *fakeSessionStore) ListSessions(ctx context.Context, userID uuid.UUID, page, size int) ([]datatypes.ChatSession, int, error) {
	var out []datatypes.ChatSession
	for _, sess := range f.sessions {
		if sess.UserID == userID && sess.IsActive {
			out = append(out, *sess)
		}
	}
	return out, len(out), nil
}

func (f *fakeSessionStore) UpdateSession(ctx context.Context, sessionID, userID uuid.UUID, req *datatypes.UpdateSessionRequest) (*datatypes.ChatSession, error) {
	sess, err := f.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		sess.Title = *req.Title
	}
	if req.IsActive != nil {
		sess.IsActive = *req.IsActive
	}
	return sess, nil
}

func (f *fakeSessionStore) DeactivateSession(ctx context.Context, sessionID, userID uuid.UUID) error {
	sess, err := f.GetSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	sess.IsActive = false
	return nil
}

func (f *fakeSessionStore) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMessage, error) {
	return f.messages[sessionID], nil
}

type fakeMemoryManager struct {
	profile  *datatypes.MemoryProfile
	summary  *datatypes.MemorySummary
	settings *datatypes.ConsolidationSettings

	consolidated bool
	gotSettings  *datatypes.MemorySettingsRequest
	autoRuns     int
}

func (f *fakeMemoryManager) Consolidate(ctx context.Context, userID uuid.UUID, req *datatypes.ConsolidateRequest) (*datatypes.MemoryProfile, error) {
	f.consolidated = true
	return f.profile, nil
}

func (f *fakeMemoryManager) AutoConsolidate(ctx context.Context, userID uuid.UUID) error {
	f.autoRuns++
	return nil
}

func (f *fakeMemoryManager) Summary(ctx context.Context, userID uuid.UUID) (*datatypes.MemorySummary, error) {
	return f.summary, nil
}

func (f *fakeMemoryManager) UpdateSettings(ctx context.Context, userID uuid.UUID, req *datatypes.MemorySettingsRequest) (*datatypes.ConsolidationSettings, error) {
	f.gotSettings = req
	return f.settings, nil
}

func (f *fakeMemoryManager) GetMemoryProfile(ctx context.Context, userID uuid.UUID) (*datatypes.MemoryProfile, error) {
	return f.profile, nil
}

type fakeEmailPrefStore struct {
	prefs map[uuid.UUID]*datatypes.EmailPreferences
}

func (f *fakeEmailPrefStore) GetEmailPreferences(ctx context.Context, userID uuid.UUID) (*datatypes.EmailPreferences, error) {
	if prefs, ok := f.prefs[userID]; ok {
		return prefs, nil
	}
	defaults := datatypes.DefaultEmailPreferences(userID)
	return &defaults, nil
}

func (f *fakeEmailPrefStore) UpdateEmailPreferences(ctx context.Context, userID uuid.UUID, req *datatypes.UpdateEmailPreferencesRequest) (*datatypes.EmailPreferences, error) {
	prefs, _ := f.GetEmailPreferences(ctx, userID)
	if req.WeeklyDigestEnabled != nil {
		prefs.WeeklyDigestEnabled = *req.WeeklyDigestEnabled
	}
	if req.PreferredDay != nil {
		prefs.PreferredDay = *req.PreferredDay
	}
	return prefs, nil
}

type fakeDigestRunner struct {
	sweepResp *datatypes.CronDigestResponse
	decision  datatypes.DigestDecision
	swept     bool
	gotOpts   services.SendOptions
}

func (f *fakeDigestRunner) Sweep(ctx context.Context) (*datatypes.CronDigestResponse, error) {
	f.swept = true
	return f.sweepResp, nil
}

func (f *fakeDigestRunner) SendForUser(ctx context.Context, userID uuid.UUID, opts services.SendOptions) (datatypes.DigestDecision, error) {
	f.gotOpts = opts
	return f.decision, nil
}

type fakeEventSink struct {
	events   []*datatypes.EmailEvent
	unsubbed []string
	unsubErr error
}

func (f *fakeEventSink) Record(ctx context.Context, event *datatypes.EmailEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventSink) Unsubscribe(ctx context.Context, token string) error {
	if f.unsubErr != nil {
		return f.unsubErr
	}
	f.unsubbed = append(f.unsubbed, token)
	return nil
}

type pingOK struct{}

func (pingOK) Ping(ctx context.Context) error { return nil }

type pingBad struct{}

func (pingBad) Ping(ctx context.Context) error { return context.DeadlineExceeded }
