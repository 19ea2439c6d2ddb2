// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// No-activity policies: what the digest does for a week without insights.
const (
	NoActivitySkip        = "skip"
	NoActivityBrief       = "brief"
	NoActivitySuggestions = "suggestions"
)

// Digest audit row statuses.
const (
	DigestStatusQueued   = "queued"
	DigestStatusRendered = "rendered"
	DigestStatusSent     = "sent"
	DigestStatusFailed   = "failed"
)

// MaxDigestRetries caps failed-send retries per (user, week).
const MaxDigestRetries = 3

// EmailPreferences controls a user's weekly digest delivery.
// PreferredDay uses 0=Monday..6=Sunday in the user's timezone.
type EmailPreferences struct {
	UserID              uuid.UUID `json:"user_id"`
	WeeklyDigestEnabled bool      `json:"weekly_digest_enabled"`
	PreferredDay        int       `json:"preferred_day"`
	PreferredHour       int       `json:"preferred_hour"`
	Timezone            string    `json:"timezone"`
	NoActivityPolicy    string    `json:"no_activity_policy"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultEmailPreferences returns the signup defaults: Sunday 20:00
// Pacific, brief digests on quiet weeks.
func DefaultEmailPreferences(userID uuid.UUID) EmailPreferences {
	return EmailPreferences{
		UserID:              userID,
		WeeklyDigestEnabled: true,
		PreferredDay:        6, // Sunday
		PreferredHour:       20,
		Timezone:            "America/Los_Angeles",
		NoActivityPolicy:    NoActivityBrief,
	}
}

// UpdateEmailPreferencesRequest mutates preferences; nil fields keep the
// current value.
type UpdateEmailPreferencesRequest struct {
	WeeklyDigestEnabled *bool   `json:"weekly_digest_enabled,omitempty"`
	PreferredDay        *int    `json:"preferred_day,omitempty" binding:"omitempty,gte=0,lte=6"`
	PreferredHour       *int    `json:"preferred_hour,omitempty" binding:"omitempty,gte=0,lte=23"`
	Timezone            *string `json:"timezone,omitempty" binding:"omitempty,max=64"`
	NoActivityPolicy    *string `json:"no_activity_policy,omitempty" binding:"omitempty,oneof=skip brief suggestions"`
}

// EmailDigest is the idempotency/audit row, unique per (user, week_start).
type EmailDigest struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	WeekStart  time.Time      `json:"week_start"`
	Status     string         `json:"status"`
	MessageID  string         `json:"message_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	Payload    map[string]any `json:"payload,omitempty"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// DigestUser is the recipient block of the digest payload.
type DigestUser struct {
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
}

// DigestActivity summarizes the week numerically.
type DigestActivity struct {
	InsightsCount int `json:"insights_count"`
	TaggedCount   int `json:"tagged_count"`
}

// DigestTagGroup lists the week's articles under one tag.
type DigestTagGroup struct {
	Name     string `json:"name"`
	Articles string `json:"articles"`
}

// DigestItem is one insight rendered into the email.
type DigestItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
}

// DigestSections groups the email body.
type DigestSections struct {
	Highlights  []DigestItem     `json:"highlights"`
	MoreContent []DigestItem     `json:"more_content,omitempty"`
	Stacks      []string         `json:"stacks,omitempty"`
	Suggestions string           `json:"suggestions,omitempty"`
	Tags        []DigestTagGroup `json:"tags,omitempty"`
}

// DigestPayload is the full template payload sent to the email provider
// under params.
type DigestPayload struct {
	User            DigestUser     `json:"user"`
	ActivitySummary DigestActivity `json:"activity_summary"`
	Sections        DigestSections `json:"sections"`
	AISummary       string         `json:"ai_summary"`
	Metadata        DigestMeta     `json:"metadata"`
}

// DigestMeta records when and for which week the payload was built.
type DigestMeta struct {
	GeneratedAt time.Time `json:"generated_at"`
	WeekStart   time.Time `json:"week_start"`
}

// DigestDecision is one user's outcome in a cron sweep.
type DigestDecision struct {
	UserID        uuid.UUID `json:"user_id"`
	Send          bool      `json:"send"`
	Sent          bool      `json:"sent"`
	SkippedReason string    `json:"skipped_reason,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// CronDigestResponse summarizes a sweep for the scheduler.
type CronDigestResponse struct {
	Success   bool             `json:"success"`
	Processed int              `json:"processed"`
	SentCount int              `json:"sent_count"`
	Decisions []DigestDecision `json:"decisions"`
}

// TestSendRequest exercises the digest path for the calling user.
type TestSendRequest struct {
	DryRun        bool   `json:"dry_run"`
	Force         bool   `json:"force"`
	EmailOverride string `json:"email_override,omitempty" binding:"omitempty,email"`
}

// UnsubscribeToken links an email footer to the owning user.
type UnsubscribeToken struct {
	Token     string    `json:"token"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailEvent is one raw provider webhook event.
type EmailEvent struct {
	ID        uuid.UUID      `json:"id"`
	Provider  string         `json:"provider"`
	Event     string         `json:"event"`
	Email     string         `json:"email"`
	MessageID string         `json:"message_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EmailSuppression blocks future sends to an address.
type EmailSuppression struct {
	Email     string    `json:"email"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
