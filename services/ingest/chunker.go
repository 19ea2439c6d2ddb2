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
	"strings"
)

// Chunking parameters. 1200 chars is roughly 400 tokens for mixed-script
// content; retrieval quality drops sharply above that.
const (
	ChunkTargetSize = 1200
	ChunkOverlap    = 200
	ChunkMethod     = "recursive"

	// A chunk never exceeds 1.25x the target. When no separator boundary
	// fits, the splitter cuts mid-token.
	chunkHardCapRatio = 1.25

	charsPerToken      = 3.5
	minEstimatedTokens = 50
	maxEstimatedTokens = 2000
)

// chunkSeparators in preference order; the empty separator means a hard
// character split.
var chunkSeparators = []string{"\n\n", "\n", ". ", "; ", ", ", " ", ""}

// Chunk is one retrieval unit produced by the splitter.
type Chunk struct {
	Index           int    `json:"chunk_index"`
	Text            string `json:"chunk_text"`
	Size            int    `json:"chunk_size"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Chunker is the recursive overlapping text splitter.
type Chunker struct {
	targetSize int
	overlap    int
}

// NewChunker creates a Chunker with the standard 1200/200 parameters.
// Non-positive arguments fall back to the defaults.
func NewChunker(targetSize, overlap int) *Chunker {
	if targetSize <= 0 {
		targetSize = ChunkTargetSize
	}
	if overlap <= 0 || overlap >= targetSize {
		overlap = ChunkOverlap
		if overlap >= targetSize {
			overlap = targetSize / 6
		}
	}
	return &Chunker{targetSize: targetSize, overlap: overlap}
}

// Split divides text into ordered overlapping chunks. Empty input yields
// zero chunks. Chunk sizes are counted in runes.
func (c *Chunker) Split(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	pieces := c.splitRecursive(text, chunkSeparators)
	merged := c.merge(pieces)

	chunks := make([]Chunk, 0, len(merged))
	for _, m := range merged {
		if strings.TrimSpace(m) == "" {
			continue
		}
		size := len([]rune(m))
		chunks = append(chunks, Chunk{
			Index:           len(chunks),
			Text:            m,
			Size:            size,
			EstimatedTokens: estimateTokens(size),
		})
	}
	return chunks
}

// splitRecursive breaks text into pieces no larger than the target size,
// trying each separator in order and falling through to a hard split.
func (c *Chunker) splitRecursive(text string, seps []string) []string {
	if len([]rune(text)) <= c.targetSize {
		return []string{text}
	}
	for i, sep := range seps {
		if sep == "" {
			return c.hardSplit(text)
		}
		if !strings.Contains(text, sep) {
			continue
		}
		parts := splitKeepSeparator(text, sep)
		var out []string
		for _, p := range parts {
			if len([]rune(p)) <= c.targetSize {
				out = append(out, p)
			} else {
				out = append(out, c.splitRecursive(p, seps[i+1:])...)
			}
		}
		return out
	}
	return c.hardSplit(text)
}

// hardSplit cuts text into target-size rune windows regardless of token
// boundaries. Last resort for separator-free runs.
func (c *Chunker) hardSplit(text string) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += c.targetSize {
		end := start + c.targetSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// merge joins pieces greedily up to the target size, seeding each new
// chunk with the overlap tail of the previous one.
func (c *Chunker) merge(pieces []string) []string {
	var chunks []string
	var current strings.Builder
	curLen := 0
	hasContent := false

	flush := func() {
		chunk := current.String()
		chunks = append(chunks, chunk)
		tail := tailRunes(chunk, c.overlap)
		current.Reset()
		current.WriteString(tail)
		curLen = len([]rune(tail))
		hasContent = false
	}

	for _, p := range pieces {
		pLen := len([]rune(p))
		if hasContent && curLen+pLen > c.targetSize {
			flush()
		}
		current.WriteString(p)
		curLen += pLen
		hasContent = true
	}
	if hasContent {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// tailRunes returns the last n runes of s, extended left to the previous
// word boundary when one is near, so overlaps do not start mid-word.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	start := len(runes) - n
	// Walk forward to the next space so the overlap begins on a word.
	for i := start; i < len(runes) && i < start+24; i++ {
		if runes[i] == ' ' || runes[i] == '\n' {
			start = i + 1
			break
		}
	}
	return string(runes[start:])
}

func splitKeepSeparator(text, sep string) []string {
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// estimateTokens approximates token count from character count for
// mixed-script content, clamped to [50, 2000].
func estimateTokens(size int) int {
	est := int(math.Round(float64(size) / charsPerToken))
	if est < minEstimatedTokens {
		return minEstimatedTokens
	}
	if est > maxEstimatedTokens {
		return maxEstimatedTokens
	}
	return est
}

// HardCap returns the maximum chunk size the splitter can emit.
func (c *Chunker) HardCap() int {
	return int(float64(c.targetSize) * chunkHardCapRatio)
}
