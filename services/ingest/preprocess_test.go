// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArticle(paragraphs int) string {
	var parts []string
	for i := 0; i < paragraphs; i++ {
		parts = append(parts, fmt.Sprintf(
			"Paragraph %d discusses topic %d in detail. The topic %d analysis "+
				"covers measurements and results. Researchers reported topic %d "+
				"findings across several independent trials.", i, i, i, i))
	}
	return strings.Join(parts, "\n\n")
}

func TestPreprocessEmptyInput(t *testing.T) {
	result := Preprocess("", DefaultPreprocessOptions())
	assert.Equal(t, "empty", result.Method)
	assert.Empty(t, result.ProcessedText)
}

func TestPreprocessDisabledUsesSimpleFallback(t *testing.T) {
	opts := DefaultPreprocessOptions()
	opts.Enabled = false
	long := strings.Repeat("All work and no play makes for dull text. ", 400)
	result := Preprocess(long, opts)
	assert.Equal(t, "fallback_simple", result.Method)
	assert.LessOrEqual(t, len(result.ProcessedText), simpleFallbackChars)
	assert.Greater(t, result.CompressionRatio, 0.0)
	assert.LessOrEqual(t, result.CompressionRatio, 1.0)
}

func TestPreprocessBalancedSelectsSubset(t *testing.T) {
	text := buildArticle(20)
	result := Preprocess(text, DefaultPreprocessOptions())
	assert.Equal(t, "extractive_balanced", result.Method)
	assert.Equal(t, AlgorithmLexRank, result.Algorithm)
	assert.NotEmpty(t, result.ProcessedText)
	assert.Less(t, len(result.ProcessedText), len(text))
	assert.Positive(t, result.ParagraphCount)
	// Every emitted paragraph is verbatim from the source.
	for _, p := range strings.Split(result.ProcessedText, "\n\n") {
		assert.Contains(t, text, p)
	}
}

func TestPreprocessStrictEmitsAtMostTopK(t *testing.T) {
	opts := DefaultPreprocessOptions()
	opts.Mode = ModeStrict
	opts.TopParagraphs = 3
	result := Preprocess(buildArticle(15), opts)
	assert.Equal(t, "extractive_strict", result.Method)
	assert.LessOrEqual(t, result.ParagraphCount, 3)
}

func TestPreprocessBalancedWiderThanStrict(t *testing.T) {
	text := buildArticle(15)

	strict := DefaultPreprocessOptions()
	strict.Mode = ModeStrict
	balanced := DefaultPreprocessOptions()

	strictResult := Preprocess(text, strict)
	balancedResult := Preprocess(text, balanced)
	assert.GreaterOrEqual(t, balancedResult.ParagraphCount, strictResult.ParagraphCount)
}

func TestPreprocessPreserveKeepsOriginalOrder(t *testing.T) {
	opts := DefaultPreprocessOptions()
	opts.Mode = ModePreserve
	opts.PreserveRatio = 0.5
	text := buildArticle(10)

	result := Preprocess(text, opts)
	assert.Equal(t, "extractive_preserve", result.Method)
	assert.LessOrEqual(t, result.ParagraphCount, 10)
	assert.GreaterOrEqual(t, result.ParagraphCount, 5)

	// Order of survivors matches the source document.
	lastPos := -1
	for _, p := range strings.Split(result.ProcessedText, "\n\n") {
		pos := strings.Index(text, p)
		require.GreaterOrEqual(t, pos, 0)
		assert.Greater(t, pos, lastPos)
		lastPos = pos
	}
}

func TestPreprocessPreserveRatioClamped(t *testing.T) {
	opts := DefaultPreprocessOptions()
	opts.Mode = ModePreserve
	opts.PreserveRatio = 7.0
	result := Preprocess(buildArticle(6), opts)
	assert.Equal(t, 6, result.ParagraphCount)
}

func TestPreprocessTextRankAlgorithm(t *testing.T) {
	opts := DefaultPreprocessOptions()
	opts.Algorithm = AlgorithmTextRank
	result := Preprocess(buildArticle(10), opts)
	assert.Equal(t, AlgorithmTextRank, result.Algorithm)
	assert.NotEmpty(t, result.ProcessedText)
}

func TestSplitSentencesLatin(t *testing.T) {
	sentences := splitSentences("Dr. Smith wrote the paper. It was published in 2020! Was it cited? Yes.")
	require.Len(t, sentences, 4)
	assert.Equal(t, "Dr. Smith wrote the paper.", sentences[0])
	assert.Equal(t, "It was published in 2020!", sentences[1])
	assert.Equal(t, "Was it cited?", sentences[2])
}

func TestSplitSentencesCJK(t *testing.T) {
	sentences := splitSentences("深度学习改变了自然语言处理。注意力机制是其中的关键！模型规模持续增长？")
	require.Len(t, sentences, 3)
	assert.Equal(t, "深度学习改变了自然语言处理。", sentences[0])
}

func TestIsCJK(t *testing.T) {
	assert.True(t, isCJK("深度学习模型需要大量训练数据"))
	assert.False(t, isCJK("Attention is all you need"))
	assert.False(t, isCJK(""))
}

func TestRankSentencesReturnsAllWhenFew(t *testing.T) {
	sentences := []string{"One sentence here.", "Another sentence there."}
	got := rankSentences(sentences, AlgorithmLexRank, 8)
	assert.Equal(t, sentences, got)
}

func TestRankSentencesPreservesDocumentOrder(t *testing.T) {
	var sentences []string
	for i := 0; i < 20; i++ {
		sentences = append(sentences, fmt.Sprintf(
			"Sentence %d mentions learning and data and models number %d.", i, i))
	}
	got := rankSentences(sentences, AlgorithmLexRank, 5)
	require.Len(t, got, 5)
	lastIdx := -1
	for _, s := range got {
		idx := -1
		for i, orig := range sentences {
			if orig == s {
				idx = i
				break
			}
		}
		require.GreaterOrEqual(t, idx, 0)
		assert.Greater(t, idx, lastIdx)
		lastIdx = idx
	}
}

func TestScoreParagraphsContainment(t *testing.T) {
	paragraphs := []string{
		"The attention mechanism weighs every token. Nothing else here.",
		"Completely unrelated cooking recipe with flour and sugar.",
	}
	key := []string{"The attention mechanism weighs every token."}
	scores := scoreParagraphs(paragraphs, key)
	assert.Equal(t, 1.0, scores[0])
	assert.Equal(t, 0.0, scores[1])
}

func TestScoreParagraphsPartialOverlap(t *testing.T) {
	paragraphs := []string{
		"the attention mechanism weighs every token carefully in context",
	}
	// Same words, different phrasing: overlap credit, not containment.
	key := []string{"every token weighs the attention mechanism"}
	scores := scoreParagraphs(paragraphs, key)
	assert.Equal(t, 0.5, scores[0])
}

func TestCosineTF(t *testing.T) {
	a := termFrequencies("the cat sat on the mat")
	assert.InDelta(t, 1.0, cosineTF(a, a), 1e-9)
	b := termFrequencies("quantum flux capacitors")
	assert.Equal(t, 0.0, cosineTF(a, b))
	assert.Equal(t, 0.0, cosineTF(a, map[string]float64{}))
}

func TestSelectTopKWindowExpansion(t *testing.T) {
	scores := []float64{0, 0, 3, 0, 0, 0}
	selected := selectTopK(scores, 1, 1)
	assert.Equal(t, []int{1, 2, 3}, selected)

	selected = selectTopK(scores, 1, 0)
	assert.Equal(t, []int{2}, selected)
}

func TestSelectTopKAllZeroScores(t *testing.T) {
	assert.Nil(t, selectTopK([]float64{0, 0, 0}, 4, 1))
}
