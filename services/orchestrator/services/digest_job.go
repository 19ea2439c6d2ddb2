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
// == Digest Dispatch
// =============================================================================

package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/store"
)

// Skip reasons reported per user in a sweep.
const (
	SkipDisabled    = "disabled"
	SkipNotSendTime = "not_send_time"
	SkipAlreadySent = "already_sent"
	SkipNoActivity  = "no_activity"
	SkipSuppressed  = "suppressed"
	SkipNoEmail     = "no_email"
	SkipRetryBudget = "retry_budget_exhausted"
	SkipDryRun      = "dry_run"
)

// DigestEmailStore is the slice of the store the dispatcher needs.
type DigestEmailStore interface {
	GetEmailPreferences(ctx context.Context, userID uuid.UUID) (*datatypes.EmailPreferences, error)
	ListDigestCandidates(ctx context.Context) ([]store.DigestCandidate, error)
	ClaimDigest(ctx context.Context, userID uuid.UUID, weekStart time.Time) (*datatypes.EmailDigest, bool, error)
	MarkDigestRendered(ctx context.Context, digestID uuid.UUID, payload *datatypes.DigestPayload) error
	MarkDigestSent(ctx context.Context, digestID uuid.UUID, messageID string) error
	MarkDigestFailed(ctx context.Context, digestID uuid.UUID, sendErr string) error
	RequeueDigest(ctx context.Context, digestID uuid.UUID) error
	IsSuppressed(ctx context.Context, email string) (bool, error)
	GetOrCreateUnsubscribeToken(ctx context.Context, userID uuid.UUID) (string, error)
	ContactByUserID(ctx context.Context, userID uuid.UUID) (email, nickname string, err error)
}

// DigestDispatcher runs weekly digest sweeps: decide, build, send and
// audit, one user at a time.
//
// # Description
//
// The (user_id, week_start) audit row is the idempotency gate. A sweep
// claims it before any work; a concurrent or repeated sweep for the same
// week observes the existing row and skips. Failed sends may retry until
// MaxDigestRetries attempts are spent.
type DigestDispatcher struct {
	store   DigestEmailStore
	builder *DigestBuilder
	sender  EmailSender
	logger  *logging.Logger

	// publicBaseURL prefixes unsubscribe links, e.g. https://api.quest.example.
	publicBaseURL string

	now func() time.Time
}

// DigestDispatcherConfig carries the dispatcher's dependencies.
// PublicBaseURL falls back to the PUBLIC_BASE_URL environment variable.
type DigestDispatcherConfig struct {
	Store         DigestEmailStore
	Builder       *DigestBuilder
	Sender        EmailSender
	Logger        *logging.Logger
	PublicBaseURL string
}

// NewDigestDispatcher constructs a DigestDispatcher. Panics on nil
// dependencies.
func NewDigestDispatcher(cfg DigestDispatcherConfig) *DigestDispatcher {
	if cfg.Store == nil {
		panic("services: NewDigestDispatcher requires a store")
	}
	if cfg.Builder == nil {
		panic("services: NewDigestDispatcher requires a builder")
	}
	if cfg.Sender == nil {
		panic("services: NewDigestDispatcher requires a sender")
	}
	if cfg.Logger == nil {
		panic("services: NewDigestDispatcher requires a logger")
	}
	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = os.Getenv("PUBLIC_BASE_URL")
	}
	return &DigestDispatcher{
		store:         cfg.Store,
		builder:       cfg.Builder,
		sender:        cfg.Sender,
		logger:        cfg.Logger,
		publicBaseURL: strings.TrimRight(baseURL, "/"),
		now:           time.Now,
	}
}

// Sweep processes every digest-enabled user once and reports per-user
// decisions. Called hourly by the external scheduler or the internal
// cron.
func (d *DigestDispatcher) Sweep(ctx context.Context) (*datatypes.CronDigestResponse, error) {
	candidates, err := d.store.ListDigestCandidates(ctx)
	if err != nil {
		return nil, err
	}

	resp := &datatypes.CronDigestResponse{Success: true}
	for _, c := range candidates {
		decision := d.processUser(ctx, c, SendOptions{})
		resp.Processed++
		if decision.Sent {
			resp.SentCount++
		}
		resp.Decisions = append(resp.Decisions, decision)
	}

	d.logger.Info("digest sweep completed",
		slog.Int("processed", resp.Processed),
		slog.Int("sent", resp.SentCount))
	return resp, nil
}

// SendOptions tweak one user's digest run, used by the test-send path.
type SendOptions struct {
	// Force skips the schedule and enabled checks. Suppression still wins.
	Force bool
	// DryRun builds and audits the payload without sending.
	DryRun bool
	// EmailOverride redirects delivery, e.g. to a tester's inbox.
	EmailOverride string
}

// SendForUser runs the digest pipeline for one user with explicit
// options.
func (d *DigestDispatcher) SendForUser(ctx context.Context, userID uuid.UUID, opts SendOptions) (datatypes.DigestDecision, error) {
	prefs, err := d.store.GetEmailPreferences(ctx, userID)
	if err != nil {
		return datatypes.DigestDecision{UserID: userID}, err
	}
	email, nickname, err := d.store.ContactByUserID(ctx, userID)
	if err != nil {
		return datatypes.DigestDecision{UserID: userID}, err
	}
	candidate := store.DigestCandidate{Preferences: *prefs, Email: email, Nickname: nickname}
	return d.processUser(ctx, candidate, opts), nil
}

func (d *DigestDispatcher) processUser(ctx context.Context, c store.DigestCandidate, opts SendOptions) datatypes.DigestDecision {
	prefs := c.Preferences
	decision := datatypes.DigestDecision{UserID: prefs.UserID}
	now := d.now()

	if !opts.Force {
		if !prefs.WeeklyDigestEnabled {
			decision.SkippedReason = SkipDisabled
			return decision
		}
		if !ShouldSendNow(&prefs, now) {
			decision.SkippedReason = SkipNotSendTime
			return decision
		}
	}

	email := c.Email
	if opts.EmailOverride != "" {
		email = opts.EmailOverride
	}
	if email == "" {
		decision.SkippedReason = SkipNoEmail
		return decision
	}

	suppressed, err := d.store.IsSuppressed(ctx, email)
	if err != nil {
		decision.Error = err.Error()
		return decision
	}
	if suppressed {
		decision.SkippedReason = SkipSuppressed
		return decision
	}

	weekStart := WeekStart(now)
	digest, claimed, err := d.store.ClaimDigest(ctx, prefs.UserID, weekStart)
	if err != nil {
		decision.Error = err.Error()
		return decision
	}
	if !claimed {
		switch digest.Status {
		case datatypes.DigestStatusSent:
			decision.SkippedReason = SkipAlreadySent
			return decision
		case datatypes.DigestStatusFailed:
			if digest.RetryCount >= datatypes.MaxDigestRetries {
				decision.SkippedReason = SkipRetryBudget
				return decision
			}
			if err := d.store.RequeueDigest(ctx, digest.ID); err != nil {
				decision.Error = err.Error()
				return decision
			}
		default:
			// Queued or rendered by a concurrent run; leave it alone.
			decision.SkippedReason = SkipAlreadySent
			return decision
		}
	}

	decision.Send = true
	user := datatypes.DigestUser{
		Nickname: c.Nickname,
		Email:    email,
		Timezone: prefs.Timezone,
	}
	payload, _, err := d.builder.Build(ctx, user, &prefs, weekStart)
	if err != nil {
		decision.Error = err.Error()
		d.markFailed(ctx, digest.ID, err)
		return decision
	}
	if payload == nil {
		// No activity and policy skip. Mark sent so the week is settled.
		decision.Send = false
		decision.SkippedReason = SkipNoActivity
		if err := d.store.MarkDigestSent(ctx, digest.ID, "skipped:no_activity"); err != nil {
			decision.Error = err.Error()
		}
		return decision
	}

	if err := d.store.MarkDigestRendered(ctx, digest.ID, payload); err != nil {
		decision.Error = err.Error()
		return decision
	}

	if opts.DryRun {
		decision.Send = false
		decision.SkippedReason = SkipDryRun
		return decision
	}

	unsubscribeURL, err := d.unsubscribeURL(ctx, prefs.UserID)
	if err != nil {
		d.logger.Warn("unsubscribe link unavailable",
			slog.String("user_id", prefs.UserID.String()),
			slog.String("error", err.Error()))
	}

	messageID, err := d.sender.SendDigest(ctx, email, c.Nickname, payload, unsubscribeURL)
	if err != nil {
		decision.Error = err.Error()
		d.markFailed(ctx, digest.ID, err)
		return decision
	}

	if err := d.store.MarkDigestSent(ctx, digest.ID, messageID); err != nil {
		decision.Error = err.Error()
		return decision
	}
	decision.Sent = true
	return decision
}

func (d *DigestDispatcher) markFailed(ctx context.Context, digestID uuid.UUID, cause error) {
	if err := d.store.MarkDigestFailed(context.WithoutCancel(ctx), digestID, cause.Error()); err != nil {
		d.logger.Error("recording digest failure failed",
			slog.String("digest_id", digestID.String()),
			slog.String("error", err.Error()))
	}
}

func (d *DigestDispatcher) unsubscribeURL(ctx context.Context, userID uuid.UUID) (string, error) {
	if d.publicBaseURL == "" {
		return "", nil
	}
	token, err := d.store.GetOrCreateUnsubscribeToken(ctx, userID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/api/v1/email/unsubscribe/%s", d.publicBaseURL, url.PathEscape(token)), nil
}
