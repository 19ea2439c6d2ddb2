// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{"valid", "explain attention", false},
		{"blank", "   \n\t ", true},
		{"empty", "", true},
		{"at limit", strings.Repeat("a", MaxMessageContentBytes), false},
		{"over limit", strings.Repeat("a", MaxMessageContentBytes+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ChatRequest{Message: tt.message}
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMergeChunksToSources(t *testing.T) {
	insightA := uuid.New()
	insightB := uuid.New()
	chunks := []RAGChunk{
		{ChunkID: uuid.New(), InsightID: insightA, Score: 0.5, InsightTitle: "A", InsightURL: "https://a"},
		{ChunkID: uuid.New(), InsightID: insightA, Score: 0.9, InsightTitle: "A", InsightURL: "https://a"},
		{ChunkID: uuid.New(), InsightID: insightB, Score: 0.7, InsightTitle: "B", InsightURL: "https://b"},
	}
	sources := MergeChunksToSources(chunks)
	require.Len(t, sources, 2)
	// Best chunk per insight, descending score, 1-based indices.
	assert.Equal(t, insightA, sources[0].InsightID)
	assert.Equal(t, 0.9, sources[0].Score)
	assert.Equal(t, 1, sources[0].Index)
	assert.Equal(t, insightB, sources[1].InsightID)
	assert.Equal(t, 2, sources[1].Index)
}

func TestMergeChunksToSourcesEmpty(t *testing.T) {
	assert.Empty(t, MergeChunksToSources(nil))
}

func TestMemoryProfileBucketRoundTrip(t *testing.T) {
	p := &MemoryProfile{Version: MemoryProfileVersion}
	items := []MemoryItem{{Content: "prefers go", Importance: 0.9}}
	for _, mt := range MemoryTypes {
		p.SetBucket(mt, items)
		assert.Equal(t, items, p.Bucket(mt), mt)
	}
	assert.Nil(t, p.Bucket("bogus"))
}

func TestMemoryProfileToleratesMissingBuckets(t *testing.T) {
	// An old document with no buckets and no version still decodes.
	var p MemoryProfile
	require.NoError(t, json.Unmarshal([]byte(`{"last_consolidated":null}`), &p))
	assert.Nil(t, p.Bucket(MemoryTypeFact))
	assert.Zero(t, p.Version)
}

func TestValidMemoryType(t *testing.T) {
	for _, mt := range MemoryTypes {
		assert.True(t, ValidMemoryType(mt))
	}
	assert.False(t, ValidMemoryType("opinion"))
}

func TestDefaultEmailPreferences(t *testing.T) {
	userID := uuid.New()
	prefs := DefaultEmailPreferences(userID)
	assert.Equal(t, userID, prefs.UserID)
	assert.True(t, prefs.WeeklyDigestEnabled)
	assert.Equal(t, 6, prefs.PreferredDay)
	assert.Equal(t, 20, prefs.PreferredHour)
	assert.Equal(t, "America/Los_Angeles", prefs.Timezone)
	assert.Equal(t, NoActivityBrief, prefs.NoActivityPolicy)
}

func TestDefaultConsolidationSettings(t *testing.T) {
	s := DefaultConsolidationSettings()
	assert.True(t, s.AutoConsolidate)
	assert.Equal(t, DefaultConsolidationThreshold, s.ConsolidationThreshold)
	assert.Equal(t, DefaultMaxMemoriesPerType, s.MaxMemoriesPerType)
	assert.Equal(t, StrategySimilarity, s.ConsolidationStrategy)
}

func TestRAGContextEmpty(t *testing.T) {
	var nilCtx *RAGContext
	assert.True(t, nilCtx.Empty())
	assert.True(t, (&RAGContext{}).Empty())
	assert.False(t, (&RAGContext{Chunks: []RAGChunk{{}}}).Empty())
}

func TestErrorResponseShape(t *testing.T) {
	data, err := json.Marshal(NewError("nope"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"detail":"nope"}`, string(data))
}
