// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Preprocessor defaults. The goal is bounding LLM input tokens while
// keeping the information-bearing paragraphs intact.
const (
	defaultKeySentences  = 8
	defaultTopParagraphs = 4
	defaultContextWindow = 1
	defaultPreserveRatio = 0.5

	// fallback_simple keeps this many leading characters when extractive
	// ranking is disabled.
	simpleFallbackChars = 6000

	// PageRank iteration parameters.
	pagerankDamping    = 0.85
	pagerankIterations = 30
	pagerankEpsilon    = 1e-4

	// Word-overlap floor for the 0.5 partial-containment credit.
	paragraphOverlapFloor = 0.6
)

// Extractive ranking algorithms.
const (
	AlgorithmLexRank  = "lexrank"
	AlgorithmTextRank = "textrank"
)

// Preprocessor modes.
const (
	ModeStrict   = "strict"
	ModeBalanced = "balanced"
	ModePreserve = "preserve"
)

// PreprocessOptions tunes the extractive reduction. The zero value is
// not usable; call DefaultPreprocessOptions.
type PreprocessOptions struct {
	Enabled       bool
	Algorithm     string // lexrank | textrank
	Mode          string // strict | balanced | preserve
	KeySentences  int
	TopParagraphs int
	ContextWindow int
	PreserveRatio float64 // preserve mode only, clamped to [0.1, 1.0]
}

// DefaultPreprocessOptions returns the production configuration:
// LexRank, balanced mode, 8 key sentences, top 4 paragraphs with a ±1
// window.
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		Enabled:       true,
		Algorithm:     AlgorithmLexRank,
		Mode:          ModeBalanced,
		KeySentences:  defaultKeySentences,
		TopParagraphs: defaultTopParagraphs,
		ContextWindow: defaultContextWindow,
		PreserveRatio: defaultPreserveRatio,
	}
}

// PreprocessResult reports the reduced text plus how it was produced.
type PreprocessResult struct {
	ProcessedText    string  `json:"processed_text"`
	Method           string  `json:"method"`
	Algorithm        string  `json:"algorithm"`
	CompressionRatio float64 `json:"compression_ratio"`
	ParagraphCount   int     `json:"paragraph_count"`
}

// Preprocess reduces body text to its most information-bearing portion.
//
// # Description
//
// Sentences are ranked with a PageRank-style walk over a sentence
// similarity graph (LexRank: cosine over term-frequency vectors;
// TextRank: normalized word overlap). Paragraphs then score 1.0 per key
// sentence they contain verbatim plus 0.5 per key sentence sharing at
// least 60% of its words. The top-K paragraphs are emitted per the mode:
// strict keeps only them, balanced adds a ±W paragraph window, preserve
// keeps the highest-scoring preserve_ratio share in original order.
//
// # Limitations
//
//   - No stemming or stopword removal; TF vectors are raw lowercase
//     tokens. Good enough for paragraph selection.
//   - Language detection is per-character (CJK vs Latin), not per-document.
func Preprocess(text string, opts PreprocessOptions) PreprocessResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return PreprocessResult{Method: "empty", Algorithm: opts.Algorithm}
	}

	if !opts.Enabled {
		return simpleFallback(text, opts)
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return simpleFallback(text, opts)
	}

	sentences := splitSentences(text)
	keySentences := rankSentences(sentences, opts.Algorithm, opts.KeySentences)
	if len(keySentences) == 0 {
		return firstKFallback(text, paragraphs, opts)
	}

	scores := scoreParagraphs(paragraphs, keySentences)

	var selected []int
	switch opts.Mode {
	case ModePreserve:
		selected = selectPreserve(scores, opts.PreserveRatio)
	case ModeStrict:
		selected = selectTopK(scores, opts.TopParagraphs, 0)
	default: // balanced
		selected = selectTopK(scores, opts.TopParagraphs, opts.ContextWindow)
	}
	if len(selected) == 0 {
		return firstKFallback(text, paragraphs, opts)
	}

	parts := make([]string, 0, len(selected))
	for _, idx := range selected {
		parts = append(parts, paragraphs[idx])
	}
	processed := strings.Join(parts, "\n\n")

	return PreprocessResult{
		ProcessedText:    processed,
		Method:           "extractive_" + opts.Mode,
		Algorithm:        opts.Algorithm,
		CompressionRatio: ratio(len(processed), len(text)),
		ParagraphCount:   len(selected),
	}
}

func simpleFallback(text string, opts PreprocessOptions) PreprocessResult {
	processed := text
	if len(processed) > simpleFallbackChars {
		processed = truncate(processed, simpleFallbackChars)
	}
	return PreprocessResult{
		ProcessedText:    processed,
		Method:           "fallback_simple",
		Algorithm:        opts.Algorithm,
		CompressionRatio: ratio(len(processed), len(text)),
		ParagraphCount:   len(splitParagraphs(processed)),
	}
}

func firstKFallback(text string, paragraphs []string, opts PreprocessOptions) PreprocessResult {
	k := opts.TopParagraphs
	if k <= 0 {
		k = defaultTopParagraphs
	}
	if k > len(paragraphs) {
		k = len(paragraphs)
	}
	processed := strings.Join(paragraphs[:k], "\n\n")
	return PreprocessResult{
		ProcessedText:    processed,
		Method:           "fallback_first_k",
		Algorithm:        opts.Algorithm,
		CompressionRatio: ratio(len(processed), len(text)),
		ParagraphCount:   k,
	}
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*100) / 100
}

// =============================================================================
// Text segmentation
// =============================================================================

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		// Skip navigation crumbs and one-word fragments.
		if len([]rune(p)) >= 20 {
			out = append(out, p)
		}
	}
	if out == nil {
		// Very short documents still get their single paragraph.
		if t := strings.TrimSpace(text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var latinSentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+[\s"')\]]*|[^.!?]+$`)

// Abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"inc": true, "ltd": true, "co": true, "corp": true,
	"etc": true, "vs": true, "e.g": true, "i.e": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true,
	"jul": true, "aug": true, "sep": true, "sept": true, "oct": true,
	"nov": true, "dec": true, "st": true, "no": true, "fig": true,
}

// splitSentences segments text into sentences. CJK text splits on the
// fullwidth terminators; Latin text on punctuation with an abbreviation
// table to suppress false boundaries.
func splitSentences(text string) []string {
	if isCJK(text) {
		return splitCJKSentences(text)
	}

	var sentences []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		matches := latinSentenceRe.FindAllString(line, -1)
		var pending string
		for _, m := range matches {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			if pending != "" {
				m = pending + " " + m
				pending = ""
			}
			if endsWithAbbreviation(m) {
				pending = m
				continue
			}
			sentences = append(sentences, m)
		}
		if pending != "" {
			sentences = append(sentences, pending)
		}
	}
	return sentences
}

func endsWithAbbreviation(s string) bool {
	s = strings.TrimRight(s, `"')] `)
	if !strings.HasSuffix(s, ".") {
		return false
	}
	trimmed := strings.TrimSuffix(s, ".")
	i := strings.LastIndexFunc(trimmed, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	lastWord := strings.ToLower(trimmed[i+1:])
	return abbreviations[lastWord]
}

func splitCJKSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		switch r {
		case '。', '！', '？', '；', '\n', '.', '!', '?':
			if s := strings.TrimSpace(current.String()); len([]rune(s)) >= 2 {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); len([]rune(s)) >= 2 {
		sentences = append(sentences, s)
	}
	return sentences
}

// isCJK reports whether at least 20% of the first 400 runes are CJK.
func isCJK(text string) bool {
	runes := []rune(text)
	if len(runes) > 400 {
		runes = runes[:400]
	}
	if len(runes) == 0 {
		return false
	}
	cjk := 0
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		}
	}
	return float64(cjk)/float64(len(runes)) >= 0.2
}

// tokenize lowercases and splits on non-letter/digit boundaries. CJK
// characters become single-rune tokens so overlap still works without
// word segmentation.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// =============================================================================
// Sentence ranking
// =============================================================================

// rankSentences returns up to topN sentences by PageRank score over the
// similarity graph, in original document order.
func rankSentences(sentences []string, algorithm string, topN int) []string {
	if topN <= 0 {
		topN = defaultKeySentences
	}
	if len(sentences) == 0 {
		return nil
	}
	if len(sentences) <= topN {
		return sentences
	}

	tf := make([]map[string]float64, len(sentences))
	for i, s := range sentences {
		tf[i] = termFrequencies(s)
	}

	n := len(sentences)
	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var s float64
			if algorithm == AlgorithmTextRank {
				s = textRankSimilarity(tf[i], tf[j])
			} else {
				s = cosineTF(tf[i], tf[j])
			}
			sim[i][j] = s
			sim[j][i] = s
		}
	}

	scores := pagerank(sim)

	type ranked struct {
		index int
		score float64
	}
	order := make([]ranked, n)
	for i, s := range scores {
		order[i] = ranked{i, s}
	}
	sort.Slice(order, func(a, b int) bool { return order[a].score > order[b].score })

	picked := make([]int, 0, topN)
	for _, r := range order[:topN] {
		picked = append(picked, r.index)
	}
	sort.Ints(picked)

	out := make([]string, len(picked))
	for i, idx := range picked {
		out[i] = sentences[idx]
	}
	return out
}

func termFrequencies(s string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range tokenize(s) {
		tf[tok]++
	}
	return tf
}

func cosineTF(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for k, v := range a {
		normA += v * v
		if w, ok := b[k]; ok {
			dot += v * w
		}
	}
	for _, v := range b {
		normB += v * v
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// textRankSimilarity is shared-word count normalized by the log lengths,
// the similarity from the original TextRank formulation.
func textRankSimilarity(a, b map[string]float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	shared := 0.0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return shared / (math.Log(float64(len(a))) + math.Log(float64(len(b))))
}

// pagerank runs a damped power iteration over the weighted similarity
// matrix until convergence or the iteration cap.
func pagerank(sim [][]float64) []float64 {
	n := len(sim)
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 1.0 / float64(n)
	}

	outWeight := make([]float64, n)
	for i := range sim {
		for _, w := range sim[i] {
			outWeight[i] += w
		}
	}

	next := make([]float64, n)
	for iter := 0; iter < pagerankIterations; iter++ {
		var delta float64
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				if i == j || sim[j][i] == 0 || outWeight[j] == 0 {
					continue
				}
				sum += scores[j] * sim[j][i] / outWeight[j]
			}
			next[i] = (1-pagerankDamping)/float64(n) + pagerankDamping*sum
			delta += math.Abs(next[i] - scores[i])
		}
		copy(scores, next)
		if delta < pagerankEpsilon {
			break
		}
	}
	return scores
}

// =============================================================================
// Paragraph selection
// =============================================================================

// scoreParagraphs applies the containment scoring: 1.0 per key sentence
// present verbatim, 0.5 per key sentence whose word overlap with the
// paragraph is at least 60%.
func scoreParagraphs(paragraphs, keySentences []string) []float64 {
	paraTokens := make([]map[string]float64, len(paragraphs))
	for i, p := range paragraphs {
		paraTokens[i] = termFrequencies(p)
	}

	scores := make([]float64, len(paragraphs))
	for _, ks := range keySentences {
		ksTokens := tokenize(ks)
		for i, p := range paragraphs {
			if strings.Contains(p, ks) {
				scores[i] += 1.0
				continue
			}
			if wordOverlap(ksTokens, paraTokens[i]) >= paragraphOverlapFloor {
				scores[i] += 0.5
			}
		}
	}
	return scores
}

// wordOverlap is the fraction of sentence tokens present in the paragraph.
func wordOverlap(sentenceTokens []string, paragraph map[string]float64) float64 {
	if len(sentenceTokens) == 0 {
		return 0
	}
	hit := 0
	for _, tok := range sentenceTokens {
		if _, ok := paragraph[tok]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(sentenceTokens))
}

// selectTopK picks the K highest-scoring paragraphs, expands each with a
// ±window, and returns the union in document order.
func selectTopK(scores []float64, k, window int) []int {
	if k <= 0 {
		k = defaultTopParagraphs
	}

	type ranked struct {
		index int
		score float64
	}
	order := make([]ranked, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			order = append(order, ranked{i, s})
		}
	}
	if len(order) == 0 {
		return nil
	}
	sort.Slice(order, func(a, b int) bool {
		if order[a].score != order[b].score {
			return order[a].score > order[b].score
		}
		return order[a].index < order[b].index
	})
	if len(order) > k {
		order = order[:k]
	}

	include := make(map[int]bool)
	for _, r := range order {
		for d := -window; d <= window; d++ {
			idx := r.index + d
			if idx >= 0 && idx < len(scores) {
				include[idx] = true
			}
		}
	}

	selected := make([]int, 0, len(include))
	for idx := range include {
		selected = append(selected, idx)
	}
	sort.Ints(selected)
	return selected
}

// selectPreserve keeps the top preserve_ratio share of paragraphs by
// score, in original order. Ratio is clamped to [0.1, 1.0].
func selectPreserve(scores []float64, preserveRatio float64) []int {
	if preserveRatio < 0.1 {
		preserveRatio = 0.1
	}
	if preserveRatio > 1.0 {
		preserveRatio = 1.0
	}
	keep := int(math.Ceil(float64(len(scores)) * preserveRatio))
	if keep < 1 {
		keep = 1
	}

	type ranked struct {
		index int
		score float64
	}
	order := make([]ranked, len(scores))
	for i, s := range scores {
		order[i] = ranked{i, s}
	}
	sort.Slice(order, func(a, b int) bool {
		if order[a].score != order[b].score {
			return order[a].score > order[b].score
		}
		return order[a].index < order[b].index
	})

	selected := make([]int, 0, keep)
	for _, r := range order[:keep] {
		selected = append(selected, r.index)
	}
	sort.Ints(selected)
	return selected
}
