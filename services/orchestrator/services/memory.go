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
// == Memory Extraction and Consolidation
// =============================================================================

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/llm"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

const memoryExtractionPrompt = `You extract durable memories about a user from one chat exchange.

Return a JSON object of the form:
{"memories":[{"type":"user_preference|fact|context|insight","content":"...","importance":0.0}]}

Rules:
- Only extract information worth remembering across conversations: stable preferences, facts about the user, ongoing context, or notable realizations.
- Skip small talk, one-off questions and anything already obvious from the exchange itself.
- importance is between 0 and 1.
- Return {"memories":[]} when nothing qualifies.`

// MemoryStore is the slice of the store the memory service needs.
type MemoryStore interface {
	InsertMemories(ctx context.Context, memories []datatypes.ChatMemory) error
	ActiveMemoriesByUser(ctx context.Context, userID uuid.UUID, memoryType string) ([]datatypes.ChatMemory, error)
	DeactivateMemories(ctx context.Context, ids []uuid.UUID) error
	CountActiveMemories(ctx context.Context, userID uuid.UUID) (map[string]int, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*datatypes.Profile, error)
	UpdateMemoryProfile(ctx context.Context, userID uuid.UUID, profile *datatypes.MemoryProfile) error
}

// MemoryService extracts memories from chat turns and consolidates them
// into the profile's memory document.
type MemoryService struct {
	store  MemoryStore
	model  llm.LLMClient
	logger *logging.Logger
}

// NewMemoryService constructs a MemoryService. Panics on nil dependencies.
func NewMemoryService(store MemoryStore, model llm.LLMClient, logger *logging.Logger) *MemoryService {
	if store == nil {
		panic("services: NewMemoryService requires a store")
	}
	if model == nil {
		panic("services: NewMemoryService requires a model client")
	}
	if logger == nil {
		panic("services: NewMemoryService requires a logger")
	}
	return &MemoryService{store: store, model: model, logger: logger}
}

type extractedMemory struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
}

type extractionEnvelope struct {
	Memories []extractedMemory `json:"memories"`
}

// ExtractFromTurn asks the model for durable memories in one exchange
// and persists the valid ones.
func (m *MemoryService) ExtractFromTurn(ctx context.Context, sessionID uuid.UUID, userMessage, answer string) error {
	exchange := fmt.Sprintf("User: %s\n\nAssistant: %s", userMessage, answer)
	result, err := m.model.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: memoryExtractionPrompt},
		{Role: llm.RoleUser, Content: exchange},
	}, llm.GenerationParams{Temperature: float32Ptr(0.0), MaxTokens: intPtr(500)})
	if err != nil {
		return fmt.Errorf("memory extraction: %w", err)
	}

	extracted := parseExtraction(result.Content)
	if len(extracted) == 0 {
		return nil
	}

	memories := make([]datatypes.ChatMemory, 0, len(extracted))
	for _, e := range extracted {
		content := strings.TrimSpace(e.Content)
		if content == "" || !datatypes.ValidMemoryType(e.Type) {
			continue
		}
		memories = append(memories, datatypes.ChatMemory{
			ID:              uuid.New(),
			SessionID:       sessionID,
			MemoryType:      e.Type,
			Content:         content,
			ImportanceScore: clamp01(e.Importance),
			IsActive:        true,
		})
	}
	if len(memories) == 0 {
		return nil
	}

	m.logger.Debug("extracted memories",
		slog.String("session_id", sessionID.String()),
		slog.Int("count", len(memories)))
	return m.store.InsertMemories(ctx, memories)
}

// parseExtraction decodes the model's JSON, tolerating code fences and
// leading prose.
func parseExtraction(content string) []extractedMemory {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	if end := strings.LastIndex(content, "}"); end >= 0 {
		content = content[:end+1]
	}
	var envelope extractionEnvelope
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil
	}
	return envelope.Memories
}

// AutoConsolidate runs consolidation with the user's stored settings,
// honoring the auto_consolidate switch.
func (m *MemoryService) AutoConsolidate(ctx context.Context, userID uuid.UUID) error {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if !profile.MemoryProfile.ConsolidationSettings.AutoConsolidate {
		return nil
	}
	_, err = m.Consolidate(ctx, userID, &datatypes.ConsolidateRequest{})
	return err
}

// Consolidate folds each memory type's active rows into the profile's
// memory document and deactivates the rows it subsumed. Returns the
// updated profile document.
func (m *MemoryService) Consolidate(ctx context.Context, userID uuid.UUID, req *datatypes.ConsolidateRequest) (*datatypes.MemoryProfile, error) {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	settings := profile.MemoryProfile.ConsolidationSettings
	strategy := settings.ConsolidationStrategy
	if req.ConsolidationStrategy != "" {
		strategy = req.ConsolidationStrategy
	}

	types := req.MemoryTypes
	if len(types) == 0 {
		types = datatypes.MemoryTypes
	}

	doc := profile.MemoryProfile
	doc.Version = datatypes.MemoryProfileVersion
	doc.ConsolidationSettings = settings

	var subsumed []uuid.UUID
	for _, memoryType := range types {
		if !datatypes.ValidMemoryType(memoryType) {
			return nil, fmt.Errorf("unknown memory type %q", memoryType)
		}
		memories, err := m.store.ActiveMemoriesByUser(ctx, userID, memoryType)
		if err != nil {
			return nil, err
		}
		if len(memories) == 0 && !req.ForceConsolidate {
			continue
		}

		items := consolidateBucket(memories, strategy, settings)
		doc.SetBucket(memoryType, items)
		for _, mem := range memories {
			subsumed = append(subsumed, mem.ID)
		}
	}

	now := time.Now().UTC()
	doc.LastConsolidated = &now

	if err := m.store.UpdateMemoryProfile(ctx, userID, &doc); err != nil {
		return nil, err
	}
	if err := m.store.DeactivateMemories(ctx, subsumed); err != nil {
		return nil, err
	}

	m.logger.Info("memory consolidation completed",
		slog.String("user_id", userID.String()),
		slog.String("strategy", strategy),
		slog.Int("subsumed", len(subsumed)))
	return &doc, nil
}

// Summary reports per-type active memory counts plus the last
// consolidation time.
func (m *MemoryService) Summary(ctx context.Context, userID uuid.UUID) (*datatypes.MemorySummary, error) {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.CountActiveMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, t := range datatypes.MemoryTypes {
		if _, ok := counts[t]; !ok {
			counts[t] = 0
		}
	}
	return &datatypes.MemorySummary{
		Success:          true,
		Counts:           counts,
		LastConsolidated: profile.MemoryProfile.LastConsolidated,
	}, nil
}

// UpdateSettings applies a partial settings update and returns the new
// settings.
func (m *MemoryService) UpdateSettings(ctx context.Context, userID uuid.UUID, req *datatypes.MemorySettingsRequest) (*datatypes.ConsolidationSettings, error) {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	doc := profile.MemoryProfile
	doc.Version = datatypes.MemoryProfileVersion
	if req.AutoConsolidate != nil {
		doc.ConsolidationSettings.AutoConsolidate = *req.AutoConsolidate
	}
	if req.ConsolidationThreshold != nil {
		doc.ConsolidationSettings.ConsolidationThreshold = *req.ConsolidationThreshold
	}
	if req.MaxMemoriesPerType != nil {
		doc.ConsolidationSettings.MaxMemoriesPerType = *req.MaxMemoriesPerType
	}
	if req.ConsolidationStrategy != nil {
		doc.ConsolidationSettings.ConsolidationStrategy = *req.ConsolidationStrategy
	}
	if err := m.store.UpdateMemoryProfile(ctx, userID, &doc); err != nil {
		return nil, err
	}
	settings := doc.ConsolidationSettings
	return &settings, nil
}

// GetMemoryProfile returns the consolidated document.
func (m *MemoryService) GetMemoryProfile(ctx context.Context, userID uuid.UUID) (*datatypes.MemoryProfile, error) {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	doc := profile.MemoryProfile
	if doc.Version == 0 {
		doc.Version = datatypes.MemoryProfileVersion
	}
	return &doc, nil
}

// =============================================================================
// == Consolidation strategies
// =============================================================================

// consolidateBucket merges rows into at most MaxMemoriesPerType items
// under the chosen strategy.
func consolidateBucket(memories []datatypes.ChatMemory, strategy string, settings datatypes.ConsolidationSettings) []datatypes.MemoryItem {
	maxItems := settings.MaxMemoriesPerType
	if maxItems < 1 {
		maxItems = datatypes.DefaultMaxMemoriesPerType
	}

	var items []datatypes.MemoryItem
	switch strategy {
	case datatypes.StrategyImportance:
		items = toItems(memories)
		sort.SliceStable(items, func(a, b int) bool {
			return items[a].Importance > items[b].Importance
		})
	case datatypes.StrategyTime:
		items = toItems(memories)
		sort.SliceStable(items, func(a, b int) bool {
			return items[a].UpdatedAt.After(items[b].UpdatedAt)
		})
	default: // similarity
		threshold := settings.ConsolidationThreshold
		if threshold <= 0 || threshold > 1 {
			threshold = datatypes.DefaultConsolidationThreshold
		}
		items = mergeSimilar(memories, threshold)
		sort.SliceStable(items, func(a, b int) bool {
			return items[a].Importance > items[b].Importance
		})
	}

	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

func toItems(memories []datatypes.ChatMemory) []datatypes.MemoryItem {
	items := make([]datatypes.MemoryItem, 0, len(memories))
	for _, m := range memories {
		items = append(items, datatypes.MemoryItem{
			Content:    m.Content,
			Importance: m.ImportanceScore,
			UpdatedAt:  m.UpdatedAt,
		})
	}
	return items
}

// mergeSimilar folds near-duplicate memories together. The longer text
// of a merged pair survives and keeps the pair's maximum importance.
func mergeSimilar(memories []datatypes.ChatMemory, threshold float64) []datatypes.MemoryItem {
	var items []datatypes.MemoryItem
	for _, m := range memories {
		merged := false
		for i := range items {
			if jaccardSimilarity(items[i].Content, m.Content) >= threshold {
				if len(m.Content) > len(items[i].Content) {
					items[i].Content = m.Content
				}
				items[i].Importance = math.Max(items[i].Importance, m.ImportanceScore)
				if m.UpdatedAt.After(items[i].UpdatedAt) {
					items[i].UpdatedAt = m.UpdatedAt
				}
				merged = true
				break
			}
		}
		if !merged {
			items = append(items, datatypes.MemoryItem{
				Content:    m.Content,
				Importance: m.ImportanceScore,
				UpdatedAt:  m.UpdatedAt,
			})
		}
	}
	return items
}

// jaccardSimilarity measures word-set overlap between two texts.
func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,!?;:\"'()")] = struct{}{}
	}
	delete(set, "")
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func float32Ptr(v float32) *float32 { return &v }
func intPtr(v int) *int             { return &v }
