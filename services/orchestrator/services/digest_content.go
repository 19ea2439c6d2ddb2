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
// == Digest Content
// =============================================================================

package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/llm"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

const (
	digestHighlightCount = 5
	digestMoreCount      = 10
	digestSummaryTokens  = 250
)

const digestNarrativePrompt = `You write the opening paragraph of a weekly reading digest email. Given the list of articles a user saved this week, write 2-3 warm, specific sentences about what they explored. Address the user directly. No greetings, no sign-offs, no bullet points.`

const digestSuggestionsPrompt = `The user saved nothing this week. Based on the topics of their recent reading listed below, suggest in 2-3 friendly sentences what they might enjoy reading next. Address the user directly. No greetings, no bullet points.`

// DigestInsightStore is the slice of the store the digest builder needs.
type DigestInsightStore interface {
	ListInsightsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]datatypes.Insight, error)
	InsightSummaries(ctx context.Context, insightIDs []uuid.UUID) (map[uuid.UUID]string, error)
}

// DigestBuilder assembles the weekly digest payload for one user.
//
// # Description
//
// Content degrades rather than fails: if the AI narrative cannot be
// generated the digest still goes out with a plain fallback line, and a
// week without activity follows the user's no_activity_policy.
type DigestBuilder struct {
	store  DigestInsightStore
	model  llm.LLMClient
	logger *logging.Logger
}

// NewDigestBuilder constructs a DigestBuilder. Panics on nil dependencies.
func NewDigestBuilder(store DigestInsightStore, model llm.LLMClient, logger *logging.Logger) *DigestBuilder {
	if store == nil {
		panic("services: NewDigestBuilder requires a store")
	}
	if model == nil {
		panic("services: NewDigestBuilder requires a model client")
	}
	if logger == nil {
		panic("services: NewDigestBuilder requires a logger")
	}
	return &DigestBuilder{store: store, model: model, logger: logger}
}

// Build assembles the payload for one user's week. The second return
// reports whether the week had any saved insights; with none and policy
// "skip" the payload is nil.
func (b *DigestBuilder) Build(ctx context.Context, user datatypes.DigestUser, prefs *datatypes.EmailPreferences, weekStart time.Time) (*datatypes.DigestPayload, bool, error) {
	weekEnd := weekStart.AddDate(0, 0, 7)
	insights, err := b.store.ListInsightsSince(ctx, prefs.UserID, weekStart)
	if err != nil {
		return nil, false, fmt.Errorf("load week insights: %w", err)
	}
	// ListInsightsSince is open-ended; clamp to the week window so a
	// retried digest for a past week stays stable.
	var week []datatypes.Insight
	for _, ins := range insights {
		if ins.CreatedAt.Before(weekEnd) {
			week = append(week, ins)
		}
	}

	hasActivity := len(week) > 0
	if !hasActivity && prefs.NoActivityPolicy == datatypes.NoActivitySkip {
		return nil, false, nil
	}

	payload := &datatypes.DigestPayload{
		User: user,
		ActivitySummary: datatypes.DigestActivity{
			InsightsCount: len(week),
			TaggedCount:   countTagged(week),
		},
		Metadata: datatypes.DigestMeta{
			GeneratedAt: time.Now().UTC(),
			WeekStart:   weekStart,
		},
	}

	if hasActivity {
		b.fillActivitySections(ctx, payload, week)
	} else {
		b.fillQuietWeek(ctx, payload, prefs)
	}
	return payload, hasActivity, nil
}

func (b *DigestBuilder) fillActivitySections(ctx context.Context, payload *datatypes.DigestPayload, week []datatypes.Insight) {
	sort.Slice(week, func(a, z int) bool {
		return week[a].CreatedAt.After(week[z].CreatedAt)
	})

	ids := make([]uuid.UUID, 0, len(week))
	for _, ins := range week {
		ids = append(ids, ins.ID)
	}
	summaries, err := b.store.InsightSummaries(ctx, ids)
	if err != nil {
		b.logger.Warn("digest summaries unavailable", slog.String("error", err.Error()))
		summaries = nil
	}

	for i, ins := range week {
		item := datatypes.DigestItem{
			Title:   displayTitle(ins),
			URL:     ins.URL,
			Summary: summaries[ins.ID],
		}
		if i < digestHighlightCount {
			payload.Sections.Highlights = append(payload.Sections.Highlights, item)
		} else if i < digestHighlightCount+digestMoreCount {
			payload.Sections.MoreContent = append(payload.Sections.MoreContent, item)
		}
	}

	payload.Sections.Tags = groupByTag(week)
	for _, g := range payload.Sections.Tags {
		payload.Sections.Stacks = append(payload.Sections.Stacks, g.Name)
	}

	payload.AISummary = b.narrative(ctx, digestNarrativePrompt, week)
	if payload.AISummary == "" {
		payload.AISummary = fmt.Sprintf("You saved %d articles this week. Here are the highlights.", len(week))
	}
}

func (b *DigestBuilder) fillQuietWeek(ctx context.Context, payload *datatypes.DigestPayload, prefs *datatypes.EmailPreferences) {
	if prefs.NoActivityPolicy != datatypes.NoActivitySuggestions {
		payload.AISummary = "A quiet week. Your reading list will be here whenever you are ready."
		return
	}
	recent, err := b.store.ListInsightsSince(ctx, prefs.UserID, time.Now().UTC().AddDate(0, -1, 0))
	if err != nil || len(recent) == 0 {
		payload.AISummary = "A quiet week. Save something that catches your eye and it will show up here."
		return
	}
	suggestions := b.narrative(ctx, digestSuggestionsPrompt, recent)
	if suggestions == "" {
		suggestions = "Revisit a favorite topic from your recent reading, or save something new that catches your eye."
	}
	payload.Sections.Suggestions = suggestions
	payload.AISummary = suggestions
}

// narrative asks the model for the digest's opening text. Returns empty
// on any failure; callers substitute a static line.
func (b *DigestBuilder) narrative(ctx context.Context, systemPrompt string, insights []datatypes.Insight) string {
	var sb strings.Builder
	limit := len(insights)
	if limit > 20 {
		limit = 20
	}
	for _, ins := range insights[:limit] {
		fmt.Fprintf(&sb, "- %s\n", displayTitle(ins))
	}

	result, err := b.model.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}, llm.GenerationParams{Temperature: float32Ptr(0.7), MaxTokens: intPtr(digestSummaryTokens)})
	if err != nil {
		b.logger.Warn("digest narrative generation failed", slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(result.Content)
}

func displayTitle(ins datatypes.Insight) string {
	if ins.Title != "" {
		return ins.Title
	}
	return ins.URL
}

func countTagged(insights []datatypes.Insight) int {
	count := 0
	for _, ins := range insights {
		if len(ins.Tags) > 0 {
			count++
		}
	}
	return count
}

// groupByTag buckets the week's articles per tag name, alphabetically.
func groupByTag(insights []datatypes.Insight) []datatypes.DigestTagGroup {
	byTag := make(map[string][]string)
	for _, ins := range insights {
		for _, tag := range ins.Tags {
			byTag[tag.Name] = append(byTag[tag.Name], displayTitle(ins))
		}
	}
	names := make([]string, 0, len(byTag))
	for name := range byTag {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]datatypes.DigestTagGroup, 0, len(names))
	for _, name := range names {
		groups = append(groups, datatypes.DigestTagGroup{
			Name:     name,
			Articles: strings.Join(byTag[name], "; "),
		})
	}
	return groups
}
