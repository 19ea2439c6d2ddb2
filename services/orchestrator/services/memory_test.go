// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

func TestParseExtraction(t *testing.T) {
	memories := parseExtraction(`{"memories":[{"type":"fact","content":"works at a lab","importance":0.7}]}`)
	require.Len(t, memories, 1)
	assert.Equal(t, "fact", memories[0].Type)
	assert.Equal(t, "works at a lab", memories[0].Content)
}

func TestParseExtractionToleratesFences(t *testing.T) {
	memories := parseExtraction("Here you go:\n```json\n{\"memories\":[{\"type\":\"user_preference\",\"content\":\"likes brevity\",\"importance\":0.5}]}\n```")
	require.Len(t, memories, 1)
	assert.Equal(t, "likes brevity", memories[0].Content)
}

func TestParseExtractionGarbage(t *testing.T) {
	assert.Nil(t, parseExtraction("no json here"))
	assert.Empty(t, parseExtraction(`{"memories":[]}`))
}

func TestExtractFromTurnPersistsValidMemories(t *testing.T) {
	memStore := newFakeMemoryStore(uuid.New())
	model := &fakeLLM{response: `{"memories":[
		{"type":"fact","content":"is a PhD student","importance":0.8},
		{"type":"bogus","content":"dropped","importance":0.5},
		{"type":"user_preference","content":"","importance":0.5},
		{"type":"insight","content":"overclamped","importance":3.0}
	]}`}
	svc := NewMemoryService(memStore, model, testLogger(t))

	err := svc.ExtractFromTurn(context.Background(), uuid.New(), "I'm a PhD student", "Nice!")
	require.NoError(t, err)
	require.Len(t, memStore.inserted, 2)
	assert.Equal(t, "is a PhD student", memStore.inserted[0].Content)
	assert.InDelta(t, 1.0, memStore.inserted[1].ImportanceScore, 1e-9)
}

func TestExtractFromTurnNothingQualifies(t *testing.T) {
	memStore := newFakeMemoryStore(uuid.New())
	svc := NewMemoryService(memStore, &fakeLLM{response: `{"memories":[]}`}, testLogger(t))

	require.NoError(t, svc.ExtractFromTurn(context.Background(), uuid.New(), "hi", "hello"))
	assert.Empty(t, memStore.inserted)
}

func TestConsolidateMergesAndDeactivates(t *testing.T) {
	userID := uuid.New()
	memStore := newFakeMemoryStore(userID)
	memStore.active = []datatypes.ChatMemory{
		{ID: uuid.New(), MemoryType: datatypes.MemoryTypeFact, Content: "user works on compilers daily", ImportanceScore: 0.6, IsActive: true},
		{ID: uuid.New(), MemoryType: datatypes.MemoryTypeFact, Content: "user works on compilers daily now", ImportanceScore: 0.9, IsActive: true},
		{ID: uuid.New(), MemoryType: datatypes.MemoryTypeFact, Content: "prefers tea over coffee", ImportanceScore: 0.4, IsActive: true},
	}
	svc := NewMemoryService(memStore, &fakeLLM{}, testLogger(t))

	doc, err := svc.Consolidate(context.Background(), userID, &datatypes.ConsolidateRequest{})
	require.NoError(t, err)

	require.Len(t, doc.Facts, 2)
	// The longer near-duplicate wins and carries the max importance.
	assert.Equal(t, "user works on compilers daily now", doc.Facts[0].Content)
	assert.InDelta(t, 0.9, doc.Facts[0].Importance, 1e-9)
	assert.Len(t, memStore.deactivated, 3)
	assert.NotNil(t, doc.LastConsolidated)
	assert.Equal(t, datatypes.MemoryProfileVersion, doc.Version)
}

func TestConsolidateImportanceStrategyCapsPerType(t *testing.T) {
	userID := uuid.New()
	memStore := newFakeMemoryStore(userID)
	memStore.profile.MemoryProfile.ConsolidationSettings.MaxMemoriesPerType = 2
	for i := 0; i < 5; i++ {
		memStore.active = append(memStore.active, datatypes.ChatMemory{
			ID: uuid.New(), MemoryType: datatypes.MemoryTypeInsight,
			Content: uuid.New().String(), ImportanceScore: float64(i) / 10, IsActive: true,
		})
	}
	svc := NewMemoryService(memStore, &fakeLLM{}, testLogger(t))

	doc, err := svc.Consolidate(context.Background(), userID, &datatypes.ConsolidateRequest{
		MemoryTypes:           []string{datatypes.MemoryTypeInsight},
		ConsolidationStrategy: datatypes.StrategyImportance,
	})
	require.NoError(t, err)
	require.Len(t, doc.Insights, 2)
	assert.InDelta(t, 0.4, doc.Insights[0].Importance, 1e-9)
	assert.InDelta(t, 0.3, doc.Insights[1].Importance, 1e-9)
}

func TestConsolidateRejectsUnknownType(t *testing.T) {
	svc := NewMemoryService(newFakeMemoryStore(uuid.New()), &fakeLLM{}, testLogger(t))
	_, err := svc.Consolidate(context.Background(), uuid.New(), &datatypes.ConsolidateRequest{
		MemoryTypes: []string{"nonsense"},
	})
	assert.Error(t, err)
}

func TestAutoConsolidateHonorsSwitch(t *testing.T) {
	userID := uuid.New()
	memStore := newFakeMemoryStore(userID)
	memStore.profile.MemoryProfile.ConsolidationSettings.AutoConsolidate = false
	memStore.active = []datatypes.ChatMemory{
		{ID: uuid.New(), MemoryType: datatypes.MemoryTypeFact, Content: "x", ImportanceScore: 0.5, IsActive: true},
	}
	svc := NewMemoryService(memStore, &fakeLLM{}, testLogger(t))

	require.NoError(t, svc.AutoConsolidate(context.Background(), userID))
	assert.Empty(t, memStore.deactivated)
	assert.Nil(t, memStore.profile.MemoryProfile.LastConsolidated)
}

func TestUpdateSettingsPartial(t *testing.T) {
	userID := uuid.New()
	memStore := newFakeMemoryStore(userID)
	svc := NewMemoryService(memStore, &fakeLLM{}, testLogger(t))

	threshold := 0.6
	strategy := datatypes.StrategyTime
	settings, err := svc.UpdateSettings(context.Background(), userID, &datatypes.MemorySettingsRequest{
		ConsolidationThreshold: &threshold,
		ConsolidationStrategy:  &strategy,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, settings.ConsolidationThreshold, 1e-9)
	assert.Equal(t, datatypes.StrategyTime, settings.ConsolidationStrategy)
	// Untouched fields keep defaults.
	assert.True(t, settings.AutoConsolidate)
	assert.Equal(t, datatypes.DefaultMaxMemoriesPerType, settings.MaxMemoriesPerType)
}

func TestSummaryIncludesZeroBuckets(t *testing.T) {
	userID := uuid.New()
	memStore := newFakeMemoryStore(userID)
	memStore.active = []datatypes.ChatMemory{
		{ID: uuid.New(), MemoryType: datatypes.MemoryTypeFact, Content: "x", IsActive: true},
	}
	svc := NewMemoryService(memStore, &fakeLLM{}, testLogger(t))

	summary, err := svc.Summary(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts[datatypes.MemoryTypeFact])
	assert.Equal(t, 0, summary.Counts[datatypes.MemoryTypePreference])
	assert.Equal(t, 0, summary.Counts[datatypes.MemoryTypeContext])
	assert.Equal(t, 0, summary.Counts[datatypes.MemoryTypeInsight])
}

func TestJaccardSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, jaccardSimilarity("the same words", "the same words"), 1e-9)
	assert.Zero(t, jaccardSimilarity("completely different", "another thing entirely"))
	assert.Zero(t, jaccardSimilarity("", "something"))
	mid := jaccardSimilarity("likes green tea", "likes black tea")
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestConsolidateTimeStrategyOrdersByRecency(t *testing.T) {
	now := time.Now()
	memories := []datatypes.ChatMemory{
		{Content: "old", ImportanceScore: 0.9, UpdatedAt: now.Add(-2 * time.Hour)},
		{Content: "new", ImportanceScore: 0.1, UpdatedAt: now},
	}
	items := consolidateBucket(memories, datatypes.StrategyTime, datatypes.DefaultConsolidationSettings())
	require.Len(t, items, 2)
	assert.Equal(t, "new", items[0].Content)
}
