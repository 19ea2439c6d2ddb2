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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

func TestShouldSendNow(t *testing.T) {
	prefs := datatypes.DefaultEmailPreferences(uuid.New())

	// The default schedule is day 6 = Sunday, 20:xx Pacific.
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	sunday := time.Date(2025, 11, 9, 20, 30, 0, 0, loc)
	assert.True(t, ShouldSendNow(&prefs, sunday))

	assert.False(t, ShouldSendNow(&prefs, sunday.Add(time.Hour)))
	assert.False(t, ShouldSendNow(&prefs, sunday.AddDate(0, 0, 1)))

	prefs.WeeklyDigestEnabled = false
	assert.False(t, ShouldSendNow(&prefs, sunday))
}

func TestShouldSendNowWeekdayNumbersFromMonday(t *testing.T) {
	// Day 2 = Wednesday. UTC 2025-09-10 13:00 is Wednesday 22:00 in
	// Tokyo; one hour earlier it is still 21:00 local.
	prefs := datatypes.EmailPreferences{
		WeeklyDigestEnabled: true,
		PreferredDay:        2,
		PreferredHour:       22,
		Timezone:            "Asia/Tokyo",
	}
	assert.True(t, ShouldSendNow(&prefs, time.Date(2025, 9, 10, 13, 0, 0, 0, time.UTC)))
	assert.False(t, ShouldSendNow(&prefs, time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)))
}

func TestShouldSendNowBadTimezoneFallsBackToUTC(t *testing.T) {
	prefs := datatypes.DefaultEmailPreferences(uuid.New())
	prefs.Timezone = "Not/AZone"
	prefs.PreferredDay = 2 // Wednesday
	prefs.PreferredHour = 9
	wednesday := time.Date(2025, 11, 5, 9, 0, 0, 0, time.UTC)
	assert.True(t, ShouldSendNow(&prefs, wednesday))
}

func TestWeekStart(t *testing.T) {
	// Wednesday 2025-11-05 15:04 UTC is in the week starting Monday
	// 2025-11-03 00:00 UTC.
	wednesday := time.Date(2025, 11, 5, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC), WeekStart(wednesday))

	// A Monday maps to itself; a Sunday maps back six days.
	monday := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, WeekStart(monday))
	sunday := time.Date(2025, 11, 9, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, monday, WeekStart(sunday))
}

func seedWeekInsights(st *fakeDigestStore, userID uuid.UUID, weekStart time.Time, n int) {
	for i := 0; i < n; i++ {
		ins := datatypes.Insight{
			ID:        uuid.New(),
			UserID:    userID,
			URL:       fmt.Sprintf("https://example.com/a%d", i),
			Title:     fmt.Sprintf("Article %d", i),
			CreatedAt: weekStart.Add(time.Duration(i+1) * time.Hour),
			Tags:      []datatypes.Tag{{Name: "ml"}},
		}
		st.insights[userID] = append(st.insights[userID], ins)
		st.summaries[ins.ID] = fmt.Sprintf("Summary %d", i)
	}
}

func TestDigestBuilderActiveWeek(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	weekStart := WeekStart(time.Now())
	seedWeekInsights(st, userID, weekStart, 8)

	builder := NewDigestBuilder(st, &fakeLLM{response: "You explored machine learning this week."}, testLogger(t))
	payload, hasActivity, err := builder.Build(context.Background(),
		datatypes.DigestUser{Nickname: "Ada", Email: "ada@example.com"}, &prefs, weekStart)
	require.NoError(t, err)
	require.True(t, hasActivity)
	require.NotNil(t, payload)

	assert.Equal(t, 8, payload.ActivitySummary.InsightsCount)
	assert.Equal(t, 8, payload.ActivitySummary.TaggedCount)
	assert.Len(t, payload.Sections.Highlights, 5)
	assert.Len(t, payload.Sections.MoreContent, 3)
	assert.Equal(t, "You explored machine learning this week.", payload.AISummary)
	require.Len(t, payload.Sections.Tags, 1)
	assert.Equal(t, "ml", payload.Sections.Tags[0].Name)
	assert.Equal(t, []string{"ml"}, payload.Sections.Stacks)
	// Most recent first.
	assert.Equal(t, "Article 7", payload.Sections.Highlights[0].Title)
	assert.Equal(t, "Summary 7", payload.Sections.Highlights[0].Summary)
	assert.Equal(t, weekStart, payload.Metadata.WeekStart)
}

func TestDigestBuilderNarrativeFailureDegrades(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	weekStart := WeekStart(time.Now())
	seedWeekInsights(st, userID, weekStart, 2)

	builder := NewDigestBuilder(st, &fakeLLM{err: fmt.Errorf("model down")}, testLogger(t))
	payload, _, err := builder.Build(context.Background(), datatypes.DigestUser{}, &prefs, weekStart)
	require.NoError(t, err)
	assert.Contains(t, payload.AISummary, "2 articles")
}

func TestDigestBuilderQuietWeekSkip(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	prefs.NoActivityPolicy = datatypes.NoActivitySkip

	builder := NewDigestBuilder(st, &fakeLLM{}, testLogger(t))
	payload, hasActivity, err := builder.Build(context.Background(), datatypes.DigestUser{}, &prefs, WeekStart(time.Now()))
	require.NoError(t, err)
	assert.False(t, hasActivity)
	assert.Nil(t, payload)
}

func TestDigestBuilderQuietWeekBrief(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)

	builder := NewDigestBuilder(st, &fakeLLM{}, testLogger(t))
	payload, hasActivity, err := builder.Build(context.Background(), datatypes.DigestUser{}, &prefs, WeekStart(time.Now()))
	require.NoError(t, err)
	assert.False(t, hasActivity)
	require.NotNil(t, payload)
	assert.Zero(t, payload.ActivitySummary.InsightsCount)
	assert.NotEmpty(t, payload.AISummary)
	assert.Empty(t, payload.Sections.Highlights)
}

func newTestDispatcher(t *testing.T, st *fakeDigestStore, sender *fakeSender, model *fakeLLM, now time.Time) *DigestDispatcher {
	d := NewDigestDispatcher(DigestDispatcherConfig{
		Store:         st,
		Builder:       NewDigestBuilder(st, model, testLogger(t)),
		Sender:        sender,
		Logger:        testLogger(t),
		PublicBaseURL: "https://api.quest.example",
	})
	d.now = func() time.Time { return now }
	return d
}

// sendTime returns an instant that matches the default schedule:
// Sunday 20:xx Pacific.
func sendTime(t *testing.T) time.Time {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	return time.Date(2025, 11, 9, 20, 10, 0, 0, loc)
}

func TestSweepSendsAtScheduledTime(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"
	now := sendTime(t)
	seedWeekInsights(st, userID, WeekStart(now), 3)

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{response: "narrative"}, now)

	resp, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 1, resp.SentCount)
	require.Len(t, resp.Decisions, 1)
	assert.True(t, resp.Decisions[0].Sent)
	assert.Equal(t, []string{"ada@example.com"}, sender.sent)
	assert.Equal(t, 1, st.rendered)
	assert.Equal(t, 1, st.sentMarked)
}

func TestSweepSkipsOutsideWindow(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{}, sendTime(t).Add(2*time.Hour))

	resp, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resp.SentCount)
	assert.Equal(t, SkipNotSendTime, resp.Decisions[0].SkippedReason)
	assert.Empty(t, sender.sent)
}

func TestSweepIdempotentPerWeek(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"
	now := sendTime(t)
	seedWeekInsights(st, userID, WeekStart(now), 1)

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{response: "n"}, now)

	_, err := d.Sweep(context.Background())
	require.NoError(t, err)
	resp, err := d.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, resp.SentCount)
	assert.Equal(t, SkipAlreadySent, resp.Decisions[0].SkippedReason)
	assert.Len(t, sender.sent, 1)
}

func TestSweepSuppressedAddressNeverSends(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "bounced@example.com"
	st.suppressed["bounced@example.com"] = true

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{}, sendTime(t))

	decision, err := d.SendForUser(context.Background(), userID, SendOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, SkipSuppressed, decision.SkippedReason)
	assert.Empty(t, sender.sent)
}

func TestSendFailureRecordsRetry(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"
	now := sendTime(t)
	seedWeekInsights(st, userID, WeekStart(now), 1)

	sender := &fakeSender{err: fmt.Errorf("provider 500")}
	d := newTestDispatcher(t, st, sender, &fakeLLM{response: "n"}, now)

	decision, err := d.SendForUser(context.Background(), userID, SendOptions{})
	require.NoError(t, err)
	assert.False(t, decision.Sent)
	assert.Contains(t, decision.Error, "provider 500")
	assert.Equal(t, 1, st.failsMarked)

	// A later run retries the failed week until the budget is spent.
	sender.err = nil
	decision, err = d.SendForUser(context.Background(), userID, SendOptions{})
	require.NoError(t, err)
	assert.True(t, decision.Sent)
}

func TestRetryBudgetExhausted(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"
	now := sendTime(t)
	seedWeekInsights(st, userID, WeekStart(now), 1)

	sender := &fakeSender{err: fmt.Errorf("provider down")}
	d := newTestDispatcher(t, st, sender, &fakeLLM{response: "n"}, now)

	for i := 0; i < datatypes.MaxDigestRetries; i++ {
		_, err := d.SendForUser(context.Background(), userID, SendOptions{})
		require.NoError(t, err)
	}
	decision, err := d.SendForUser(context.Background(), userID, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, SkipRetryBudget, decision.SkippedReason)
}

func TestDryRunRendersWithoutSending(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"
	now := sendTime(t)
	seedWeekInsights(st, userID, WeekStart(now), 1)

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{response: "n"}, now)

	decision, err := d.SendForUser(context.Background(), userID, SendOptions{Force: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, SkipDryRun, decision.SkippedReason)
	assert.Empty(t, sender.sent)
	assert.Equal(t, 1, st.rendered)
}

func TestEmailOverrideRedirectsDelivery(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "real@example.com"
	now := sendTime(t)
	seedWeekInsights(st, userID, WeekStart(now), 1)

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{response: "n"}, now)

	decision, err := d.SendForUser(context.Background(), userID, SendOptions{
		Force:         true,
		EmailOverride: "tester@example.com",
	})
	require.NoError(t, err)
	assert.True(t, decision.Sent)
	assert.Equal(t, []string{"tester@example.com"}, sender.sent)
}

func TestSendForUserAddressesRecipientByNickname(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"
	st.nicknames[userID] = "Ada"
	now := sendTime(t)
	seedWeekInsights(st, userID, WeekStart(now), 1)

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{response: "n"}, now)

	decision, err := d.SendForUser(context.Background(), userID, SendOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, decision.Sent)
	require.Len(t, sender.names, 1)
	assert.Equal(t, "Ada", sender.names[0])
	assert.Equal(t, "Ada", sender.payloads[0].User.Nickname)
}

func TestQuietWeekSkipSettlesTheWeek(t *testing.T) {
	st := newFakeDigestStore()
	userID := uuid.New()
	prefs := datatypes.DefaultEmailPreferences(userID)
	prefs.NoActivityPolicy = datatypes.NoActivitySkip
	st.prefs[userID] = &prefs
	st.emails[userID] = "ada@example.com"
	now := sendTime(t)

	sender := &fakeSender{}
	d := newTestDispatcher(t, st, sender, &fakeLLM{}, now)

	decision, err := d.SendForUser(context.Background(), userID, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, SkipNoActivity, decision.SkippedReason)
	assert.Empty(t, sender.sent)

	// The settled week does not resend.
	decision, err = d.SendForUser(context.Background(), userID, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, SkipAlreadySent, decision.SkippedReason)
}

func TestEmailEventRecorderSuppressesBounces(t *testing.T) {
	st := newFakeDigestStore()
	recorder := NewEmailEventRecorder(st, testLogger(t))

	err := recorder.Record(context.Background(), &datatypes.EmailEvent{
		ID: uuid.New(), Provider: "brevo", Event: "hard_bounce", Email: "gone@example.com",
	})
	require.NoError(t, err)
	assert.True(t, st.suppressed["gone@example.com"])
	assert.Len(t, st.events, 1)
}

func TestEmailEventRecorderIgnoresDeliveries(t *testing.T) {
	st := newFakeDigestStore()
	recorder := NewEmailEventRecorder(st, testLogger(t))

	err := recorder.Record(context.Background(), &datatypes.EmailEvent{
		ID: uuid.New(), Provider: "brevo", Event: "delivered", Email: "ok@example.com",
	})
	require.NoError(t, err)
	assert.False(t, st.suppressed["ok@example.com"])
	assert.Len(t, st.events, 1)
}
