// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/llm"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/store"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.New(logging.Config{Quiet: true})
}

// fakeLLM plays back a canned answer, split into word deltas when
// streaming.
type fakeLLM struct {
	mu           sync.Mutex
	response     string
	err          error
	calls        int
	lastMessages []llm.Message
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	result, err := f.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, params)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMessages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResult{
		Content: f.response,
		Model:   "fake-model",
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message, params llm.GenerationParams, callback llm.StreamCallback) (*llm.ChatResult, error) {
	f.mu.Lock()
	f.calls++
	f.lastMessages = messages
	err := f.err
	response := f.response
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(response, " ") {
		if callback != nil {
			if cbErr := callback(llm.StreamEvent{Content: word}); cbErr != nil {
				return nil, cbErr
			}
		}
	}
	return &llm.ChatResult{
		Content: response,
		Model:   "fake-model",
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

var _ llm.LLMClient = (*fakeLLM)(nil)

// fakeEmbedder returns a constant vector.
type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) (*llm.EmbeddingResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return &llm.EmbeddingResult{Embeddings: out, Model: "fake-embed", Dimensions: 4}, nil
}

var _ llm.Embedder = (*fakeEmbedder)(nil)

// fakeSearcher serves canned RAG chunks.
type fakeSearcher struct {
	chunks []datatypes.RAGChunk
	err    error
}

func (f *fakeSearcher) SearchChunks(ctx context.Context, userID uuid.UUID, queryEmbedding []float32, k int, minScore float64) ([]datatypes.RAGChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chunks, nil
}

func ragChunk(title string, score float64, tokens int) datatypes.RAGChunk {
	return datatypes.RAGChunk{
		ChunkID:         uuid.New(),
		InsightID:       uuid.New(),
		ChunkText:       "Notes about " + title + ".",
		ChunkSize:       60,
		EstimatedTokens: tokens,
		Score:           score,
		InsightTitle:    title,
		InsightURL:      "https://example.com/" + strings.ToLower(title),
		InsightSummary:  title + " summary",
	}
}

// fakeChatStore is an in-memory ChatStore.
type fakeChatStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*datatypes.ChatSession
	messages map[uuid.UUID][]datatypes.ChatMessage
	memories map[uuid.UUID][]datatypes.ChatMemory
	ragSaved map[uuid.UUID]*datatypes.RAGContext
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		sessions: make(map[uuid.UUID]*datatypes.ChatSession),
		messages: make(map[uuid.UUID][]datatypes.ChatMessage),
		memories: make(map[uuid.UUID][]datatypes.ChatMemory),
		ragSaved: make(map[uuid.UUID]*datatypes.RAGContext),
	}
}

func (f *fakeChatStore) CreateSession(ctx context.Context, userID uuid.UUID, title string) (*datatypes.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &datatypes.ChatSession{
		ID: uuid.New(), UserID: userID, Title: title, IsActive: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeChatStore) GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*datatypes.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.UserID != userID {
		return nil, store.ErrForbidden
	}
	copied := *sess
	return &copied, nil
}

func (f *fakeChatStore) SetSessionTitle(ctx context.Context, sessionID uuid.UUID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok && sess.Title == "" {
		sess.Title = title
	}
	return nil
}

func (f *fakeChatStore) InsertMessage(ctx context.Context, msg *datatypes.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.CreatedAt = time.Now()
	f.messages[msg.SessionID] = append(f.messages[msg.SessionID], *msg)
	return nil
}

func (f *fakeChatStore) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]datatypes.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeChatStore) CountUserMessages(ctx context.Context, sessionID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, msg := range f.messages[sessionID] {
		if msg.Role == datatypes.RoleUser {
			count++
		}
	}
	return count, nil
}

func (f *fakeChatStore) InsertRAGContext(ctx context.Context, messageID uuid.UUID, ragCtx *datatypes.RAGContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ragSaved[messageID] = ragCtx
	return nil
}

func (f *fakeChatStore) TopMemoriesForSession(ctx context.Context, sessionID uuid.UUID, limit int) ([]datatypes.ChatMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mems := f.memories[sessionID]
	if len(mems) > limit {
		mems = mems[:limit]
	}
	return mems, nil
}

var _ ChatStore = (*fakeChatStore)(nil)

// fakeMemoryStore is an in-memory MemoryStore.
type fakeMemoryStore struct {
	mu          sync.Mutex
	active      []datatypes.ChatMemory
	deactivated []uuid.UUID
	profile     datatypes.Profile
	inserted    []datatypes.ChatMemory
}

func newFakeMemoryStore(userID uuid.UUID) *fakeMemoryStore {
	return &fakeMemoryStore{
		profile: datatypes.Profile{
			ID: userID,
			MemoryProfile: datatypes.MemoryProfile{
				Version:               datatypes.MemoryProfileVersion,
				ConsolidationSettings: datatypes.DefaultConsolidationSettings(),
			},
		},
	}
}

func (f *fakeMemoryStore) InsertMemories(ctx context.Context, memories []datatypes.ChatMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, memories...)
	f.active = append(f.active, memories...)
	return nil
}

func (f *fakeMemoryStore) ActiveMemoriesByUser(ctx context.Context, userID uuid.UUID, memoryType string) ([]datatypes.ChatMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datatypes.ChatMemory
	for _, m := range f.active {
		if m.MemoryType == memoryType && m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMemoryStore) DeactivateMemories(ctx context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, ids...)
	for i := range f.active {
		for _, id := range ids {
			if f.active[i].ID == id {
				f.active[i].IsActive = false
			}
		}
	}
	return nil
}

func (f *fakeMemoryStore) CountActiveMemories(ctx context.Context, userID uuid.UUID) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, m := range f.active {
		if m.IsActive {
			counts[m.MemoryType]++
		}
	}
	return counts, nil
}

func (f *fakeMemoryStore) GetProfile(ctx context.Context, userID uuid.UUID) (*datatypes.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := f.profile
	return &copied, nil
}

func (f *fakeMemoryStore) UpdateMemoryProfile(ctx context.Context, userID uuid.UUID, profile *datatypes.MemoryProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile.MemoryProfile = *profile
	return nil
}

var _ MemoryStore = (*fakeMemoryStore)(nil)

// fakeDigestStore backs both the builder and the dispatcher.
type fakeDigestStore struct {
	mu          sync.Mutex
	prefs       map[uuid.UUID]*datatypes.EmailPreferences
	insights    map[uuid.UUID][]datatypes.Insight
	summaries   map[uuid.UUID]string
	digests     map[string]*datatypes.EmailDigest
	suppressed  map[string]bool
	emails      map[uuid.UUID]string
	nicknames   map[uuid.UUID]string
	events      []datatypes.EmailEvent
	rendered    int
	sentMarked  int
	failsMarked int
}

func newFakeDigestStore() *fakeDigestStore {
	return &fakeDigestStore{
		prefs:      make(map[uuid.UUID]*datatypes.EmailPreferences),
		insights:   make(map[uuid.UUID][]datatypes.Insight),
		summaries:  make(map[uuid.UUID]string),
		digests:    make(map[string]*datatypes.EmailDigest),
		suppressed: make(map[string]bool),
		emails:     make(map[uuid.UUID]string),
		nicknames:  make(map[uuid.UUID]string),
	}
}

func digestKey(userID uuid.UUID, weekStart time.Time) string {
	return fmt.Sprintf("%s|%d", userID, weekStart.Unix())
}

func (f *fakeDigestStore) GetEmailPreferences(ctx context.Context, userID uuid.UUID) (*datatypes.EmailPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.prefs[userID]; ok {
		copied := *p
		return &copied, nil
	}
	defaults := datatypes.DefaultEmailPreferences(userID)
	f.prefs[userID] = &defaults
	copied := defaults
	return &copied, nil
}

func (f *fakeDigestStore) UpdateEmailPreferences(ctx context.Context, userID uuid.UUID, req *datatypes.UpdateEmailPreferencesRequest) (*datatypes.EmailPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prefs[userID]
	if !ok {
		defaults := datatypes.DefaultEmailPreferences(userID)
		p = &defaults
		f.prefs[userID] = p
	}
	if req.WeeklyDigestEnabled != nil {
		p.WeeklyDigestEnabled = *req.WeeklyDigestEnabled
	}
	copied := *p
	return &copied, nil
}

func (f *fakeDigestStore) ListDigestCandidates(ctx context.Context) ([]store.DigestCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DigestCandidate
	for id, p := range f.prefs {
		if !p.WeeklyDigestEnabled {
			continue
		}
		out = append(out, store.DigestCandidate{
			Preferences: *p,
			Email:       f.emails[id],
			Nickname:    "Tester",
		})
	}
	return out, nil
}

func (f *fakeDigestStore) ClaimDigest(ctx context.Context, userID uuid.UUID, weekStart time.Time) (*datatypes.EmailDigest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := digestKey(userID, weekStart)
	if existing, ok := f.digests[key]; ok {
		copied := *existing
		return &copied, false, nil
	}
	digest := &datatypes.EmailDigest{
		ID: uuid.New(), UserID: userID, WeekStart: weekStart,
		Status: datatypes.DigestStatusQueued,
	}
	f.digests[key] = digest
	copied := *digest
	return &copied, true, nil
}

func (f *fakeDigestStore) findDigest(digestID uuid.UUID) *datatypes.EmailDigest {
	for _, d := range f.digests {
		if d.ID == digestID {
			return d
		}
	}
	return nil
}

func (f *fakeDigestStore) MarkDigestRendered(ctx context.Context, digestID uuid.UUID, payload *datatypes.DigestPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rendered++
	if d := f.findDigest(digestID); d != nil {
		d.Status = datatypes.DigestStatusRendered
	}
	return nil
}

func (f *fakeDigestStore) MarkDigestSent(ctx context.Context, digestID uuid.UUID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentMarked++
	if d := f.findDigest(digestID); d != nil {
		d.Status = datatypes.DigestStatusSent
		d.MessageID = messageID
	}
	return nil
}

func (f *fakeDigestStore) MarkDigestFailed(ctx context.Context, digestID uuid.UUID, sendErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failsMarked++
	if d := f.findDigest(digestID); d != nil {
		d.Status = datatypes.DigestStatusFailed
		d.Error = sendErr
		d.RetryCount++
	}
	return nil
}

func (f *fakeDigestStore) RequeueDigest(ctx context.Context, digestID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d := f.findDigest(digestID); d != nil && d.Status == datatypes.DigestStatusFailed {
		d.Status = datatypes.DigestStatusQueued
	}
	return nil
}

func (f *fakeDigestStore) IsSuppressed(ctx context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suppressed[email], nil
}

func (f *fakeDigestStore) InsertSuppression(ctx context.Context, email, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suppressed[email] = true
	return nil
}

func (f *fakeDigestStore) InsertEmailEvent(ctx context.Context, event *datatypes.EmailEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeDigestStore) UserByUnsubscribeToken(ctx context.Context, token string) (uuid.UUID, error) {
	return uuid.Nil, store.ErrNotFound
}

func (f *fakeDigestStore) GetOrCreateUnsubscribeToken(ctx context.Context, userID uuid.UUID) (string, error) {
	return "tok-" + userID.String(), nil
}

func (f *fakeDigestStore) EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emails[userID], nil
}

func (f *fakeDigestStore) ContactByUserID(ctx context.Context, userID uuid.UUID) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emails[userID], f.nicknames[userID], nil
}

func (f *fakeDigestStore) ListInsightsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]datatypes.Insight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datatypes.Insight
	for _, ins := range f.insights[userID] {
		if !ins.CreatedAt.Before(since) {
			out = append(out, ins)
		}
	}
	return out, nil
}

func (f *fakeDigestStore) InsightSummaries(ctx context.Context, insightIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]string)
	for _, id := range insightIDs {
		if s, ok := f.summaries[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

var (
	_ DigestEmailStore   = (*fakeDigestStore)(nil)
	_ DigestInsightStore = (*fakeDigestStore)(nil)
	_ EmailEventStore    = (*fakeDigestStore)(nil)
)

// fakeSender records deliveries.
type fakeSender struct {
	mu       sync.Mutex
	err      error
	sent     []string
	names    []string
	payloads []*datatypes.DigestPayload
}

func (f *fakeSender) SendDigest(ctx context.Context, toEmail, toName string, payload *datatypes.DigestPayload, unsubscribeURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, toEmail)
	f.names = append(f.names, toName)
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

var _ EmailSender = (*fakeSender)(nil)
