// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmptyInput(t *testing.T) {
	c := NewChunker(0, 0)
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t  "))
}

func TestSplitShortInputSingleChunk(t *testing.T) {
	c := NewChunker(0, 0)
	chunks := c.Split("A short note about transformers.")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "A short note about transformers.", chunks[0].Text)
	assert.Equal(t, len([]rune(chunks[0].Text)), chunks[0].Size)
}

func TestSplitIndexesAreContiguous(t *testing.T) {
	text := strings.Repeat("Sentence one is here. Sentence two follows. ", 200)
	chunks := NewChunker(0, 0).Split(text)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Positive(t, chunk.Size)
	}
}

func TestSplitRespectsHardCap(t *testing.T) {
	c := NewChunker(0, 0)
	inputs := []string{
		strings.Repeat("word ", 2000),
		strings.Repeat("x", 10000), // no separators at all
		strings.Repeat("Paragraph text that goes on for a while.\n\n", 150),
	}
	for _, input := range inputs {
		for _, chunk := range c.Split(input) {
			assert.LessOrEqual(t, chunk.Size, c.HardCap())
		}
	}
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("alpha beta gamma delta. ", 30) // ~720 chars
	text := para + "\n\n" + para + "\n\n" + para
	chunks := NewChunker(0, 0).Split(text)
	require.Greater(t, len(chunks), 1)
	// The first chunk should end at a paragraph boundary, not mid-word.
	assert.True(t, strings.HasSuffix(strings.TrimSpace(chunks[0].Text), "."))
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 120)
	chunks := NewChunker(0, 0).Split(text)
	require.Greater(t, len(chunks), 1)
	// Each successor starts with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		prefix := []rune(chunks[i].Text)
		if len(prefix) > 40 {
			prefix = prefix[:40]
		}
		assert.Contains(t, chunks[i-1].Text, string(prefix),
			"chunk %d does not overlap its predecessor", i)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{0, 50},       // floor
		{100, 50},     // 29 rounds up to floor
		{350, 100},    // 350/3.5
		{1200, 343},   // typical full chunk
		{10000, 2000}, // ceiling
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, estimateTokens(tt.size), "size %d", tt.size)
	}
}

func TestNewChunkerDefaults(t *testing.T) {
	c := NewChunker(-5, 5000)
	assert.Equal(t, ChunkTargetSize, c.targetSize)
	assert.Equal(t, ChunkOverlap, c.overlap)
	assert.Equal(t, 1500, c.HardCap())
}

func TestSplitCJKTextChunks(t *testing.T) {
	text := strings.Repeat("深度学习模型需要大量的训练数据。注意力机制改变了序列建模的方式。", 60)
	chunks := NewChunker(0, 0).Split(text)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, chunk.Size, NewChunker(0, 0).HardCap())
		assert.GreaterOrEqual(t, chunk.EstimatedTokens, minEstimatedTokens)
	}
}
