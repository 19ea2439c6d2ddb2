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
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SummaryCacheTTL bounds how long a completed or failed entry is served.
const SummaryCacheTTL = time.Hour

// SummaryStatus is the lifecycle of a per-URL summary work record.
type SummaryStatus string

const (
	SummaryGenerating SummaryStatus = "generating"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

// SummaryEntry is one per-URL work record.
type SummaryEntry struct {
	URL       string        `json:"url"`
	Status    SummaryStatus `json:"status"`
	Summary   string        `json:"summary,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// SummaryCache is the in-process monitor map coalescing summary work per
// URL. The metadata-preview endpoint warms it so a later full ingestion
// of the same URL can skip the summary LLM call.
//
// For any URL at most one generation runs at a time across the process;
// concurrent callers block on the same result via singleflight. Expired
// entries are evicted on access. One instance per process, constructed
// in main and injected.
type SummaryCache struct {
	mu      sync.Mutex
	entries map[string]SummaryEntry
	group   singleflight.Group
	ttl     time.Duration
	now     func() time.Time
}

// NewSummaryCache creates an empty cache with the standard 1 hour TTL.
func NewSummaryCache() *SummaryCache {
	return &SummaryCache{
		entries: make(map[string]SummaryEntry),
		ttl:     SummaryCacheTTL,
		now:     time.Now,
	}
}

// Get returns the entry for url. Expired entries are evicted and
// reported as absent.
func (c *SummaryCache) Get(url string) (SummaryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[url]
	if !ok {
		return SummaryEntry{}, false
	}
	if entry.Status != SummaryGenerating && c.now().Sub(entry.CreatedAt) > c.ttl {
		delete(c.entries, url)
		return SummaryEntry{}, false
	}
	return entry, true
}

// GetCompleted returns the cached summary for url if one is completed
// and fresh.
func (c *SummaryCache) GetCompleted(url string) (string, bool) {
	entry, ok := c.Get(url)
	if !ok || entry.Status != SummaryCompleted {
		return "", false
	}
	return entry.Summary, true
}

// Generate returns the fresh cached summary for url, or runs gen to
// produce one. Concurrent calls for the same URL coalesce onto a single
// gen invocation; all callers receive its result.
func (c *SummaryCache) Generate(ctx context.Context, url string, gen func(context.Context) (string, error)) (string, error) {
	if summary, ok := c.GetCompleted(url); ok {
		return summary, nil
	}

	result, err, _ := c.group.Do(url, func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have finished
		// between the fast path and acquiring the flight slot.
		if summary, ok := c.GetCompleted(url); ok {
			return summary, nil
		}
		c.begin(url)
		summary, genErr := gen(ctx)
		if genErr != nil {
			c.fail(url, genErr.Error())
			return "", genErr
		}
		c.complete(url, summary)
		return summary, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *SummaryCache) begin(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = SummaryEntry{
		URL:       url,
		Status:    SummaryGenerating,
		CreatedAt: c.now(),
	}
}

func (c *SummaryCache) complete(url, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = SummaryEntry{
		URL:       url,
		Status:    SummaryCompleted,
		Summary:   summary,
		CreatedAt: c.now(),
	}
}

func (c *SummaryCache) fail(url, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = SummaryEntry{
		URL:       url,
		Status:    SummaryFailed,
		Error:     errMsg,
		CreatedAt: c.now(),
	}
}

// Len reports the number of live entries, expired included until their
// next access. Used by metrics and tests.
func (c *SummaryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
