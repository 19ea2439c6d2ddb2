// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// GetEmailPreferences loads preferences, creating the defaults row on
// first access.
func (s *Store) GetEmailPreferences(ctx context.Context, userID uuid.UUID) (*datatypes.EmailPreferences, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	defaults := datatypes.DefaultEmailPreferences(userID)
	var prefs datatypes.EmailPreferences
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_preferences
			(user_id, weekly_digest_enabled, preferred_day, preferred_hour, timezone, no_activity_policy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, weekly_digest_enabled, preferred_day, preferred_hour,
		          timezone, no_activity_policy, created_at, updated_at`,
		userID, defaults.WeeklyDigestEnabled, defaults.PreferredDay,
		defaults.PreferredHour, defaults.Timezone, defaults.NoActivityPolicy,
	).Scan(&prefs.UserID, &prefs.WeeklyDigestEnabled, &prefs.PreferredDay,
		&prefs.PreferredHour, &prefs.Timezone, &prefs.NoActivityPolicy,
		&prefs.CreatedAt, &prefs.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get email preferences: %w", err)
	}
	return &prefs, nil
}

// UpdateEmailPreferences applies a partial update; nil fields keep the
// current value.
func (s *Store) UpdateEmailPreferences(ctx context.Context, userID uuid.UUID, req *datatypes.UpdateEmailPreferencesRequest) (*datatypes.EmailPreferences, error) {
	if _, err := s.GetEmailPreferences(ctx, userID); err != nil {
		return nil, err
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var prefs datatypes.EmailPreferences
	err := s.pool.QueryRow(ctx, `
		UPDATE email_preferences SET
			weekly_digest_enabled = COALESCE($2, weekly_digest_enabled),
			preferred_day = COALESCE($3, preferred_day),
			preferred_hour = COALESCE($4, preferred_hour),
			timezone = COALESCE($5, timezone),
			no_activity_policy = COALESCE($6, no_activity_policy),
			updated_at = now()
		WHERE user_id = $1
		RETURNING user_id, weekly_digest_enabled, preferred_day, preferred_hour,
		          timezone, no_activity_policy, created_at, updated_at`,
		userID, req.WeeklyDigestEnabled, req.PreferredDay, req.PreferredHour,
		req.Timezone, req.NoActivityPolicy,
	).Scan(&prefs.UserID, &prefs.WeeklyDigestEnabled, &prefs.PreferredDay,
		&prefs.PreferredHour, &prefs.Timezone, &prefs.NoActivityPolicy,
		&prefs.CreatedAt, &prefs.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update email preferences: %w", err)
	}
	return &prefs, nil
}

// DigestCandidate is one user considered by a cron sweep.
type DigestCandidate struct {
	Preferences datatypes.EmailPreferences
	Email       string
	Nickname    string
}

// ListDigestCandidates returns every digest-enabled user joined with
// profile contact fields.
func (s *Store) ListDigestCandidates(ctx context.Context) ([]DigestCandidate, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT ep.user_id, ep.weekly_digest_enabled, ep.preferred_day, ep.preferred_hour,
		       ep.timezone, ep.no_activity_policy, ep.created_at, ep.updated_at,
		       COALESCE(p.email, ''), COALESCE(p.nickname, '')
		FROM email_preferences ep
		JOIN profiles p ON p.id = ep.user_id
		WHERE ep.weekly_digest_enabled`)
	if err != nil {
		return nil, fmt.Errorf("list digest candidates: %w", err)
	}
	defer rows.Close()

	var out []DigestCandidate
	for rows.Next() {
		var c DigestCandidate
		if err := rows.Scan(&c.Preferences.UserID, &c.Preferences.WeeklyDigestEnabled,
			&c.Preferences.PreferredDay, &c.Preferences.PreferredHour,
			&c.Preferences.Timezone, &c.Preferences.NoActivityPolicy,
			&c.Preferences.CreatedAt, &c.Preferences.UpdatedAt,
			&c.Email, &c.Nickname); err != nil {
			return nil, fmt.Errorf("scan digest candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimDigest inserts the (user, week_start) audit row in status queued.
// When the row already exists, the existing digest is returned with
// claimed=false; the caller skips already-sent users and retries failed
// ones under the retry budget.
func (s *Store) ClaimDigest(ctx context.Context, userID uuid.UUID, weekStart time.Time) (*datatypes.EmailDigest, bool, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	digest := &datatypes.EmailDigest{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_digests (id, user_id, week_start, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, week_start) DO NOTHING
		RETURNING id, user_id, week_start, status, COALESCE(message_id,''),
		          COALESCE(error,''), retry_count, sent_at, created_at, updated_at`,
		uuid.New(), userID, weekStart, datatypes.DigestStatusQueued,
	).Scan(&digest.ID, &digest.UserID, &digest.WeekStart, &digest.Status,
		&digest.MessageID, &digest.Error, &digest.RetryCount, &digest.SentAt,
		&digest.CreatedAt, &digest.UpdatedAt)
	if err == nil {
		return digest, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claim digest: %w", err)
	}

	existing, err := s.GetDigest(ctx, userID, weekStart)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetDigest loads the audit row for (user, week_start).
func (s *Store) GetDigest(ctx context.Context, userID uuid.UUID, weekStart time.Time) (*datatypes.EmailDigest, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	digest := &datatypes.EmailDigest{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, week_start, status, COALESCE(message_id,''),
		       COALESCE(error,''), retry_count, sent_at, created_at, updated_at
		FROM email_digests WHERE user_id = $1 AND week_start = $2`,
		userID, weekStart,
	).Scan(&digest.ID, &digest.UserID, &digest.WeekStart, &digest.Status,
		&digest.MessageID, &digest.Error, &digest.RetryCount, &digest.SentAt,
		&digest.CreatedAt, &digest.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get digest: %w", err)
	}
	return digest, nil
}

// MarkDigestRendered attaches the built payload to the audit row.
func (s *Store) MarkDigestRendered(ctx context.Context, digestID uuid.UUID, payload *datatypes.DigestPayload) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal digest payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE email_digests SET status = $2, payload = $3, updated_at = now()
		WHERE id = $1`,
		digestID, datatypes.DigestStatusRendered, doc)
	if err != nil {
		return fmt.Errorf("mark digest rendered: %w", err)
	}
	return nil
}

// MarkDigestSent finalizes a successful delivery.
func (s *Store) MarkDigestSent(ctx context.Context, digestID uuid.UUID, messageID string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE email_digests
		SET status = $2, message_id = $3, error = NULL, sent_at = now(), updated_at = now()
		WHERE id = $1`,
		digestID, datatypes.DigestStatusSent, messageID)
	if err != nil {
		return fmt.Errorf("mark digest sent: %w", err)
	}
	return nil
}

// MarkDigestFailed records a failed delivery attempt.
func (s *Store) MarkDigestFailed(ctx context.Context, digestID uuid.UUID, sendErr string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE email_digests
		SET status = $2, error = $3, retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1`,
		digestID, datatypes.DigestStatusFailed, sendErr)
	if err != nil {
		return fmt.Errorf("mark digest failed: %w", err)
	}
	return nil
}

// RequeueDigest flips a failed row back to queued for a retry attempt.
func (s *Store) RequeueDigest(ctx context.Context, digestID uuid.UUID) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE email_digests SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		digestID, datatypes.DigestStatusQueued, datatypes.DigestStatusFailed)
	if err != nil {
		return fmt.Errorf("requeue digest: %w", err)
	}
	return nil
}

// IsSuppressed reports whether an address must not be emailed.
func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var suppressed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_suppressions WHERE email = $1)`,
		email).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return suppressed, nil
}

// InsertSuppression blocks future sends to an address. Idempotent.
func (s *Store) InsertSuppression(ctx context.Context, email, reason string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_suppressions (email, reason)
		VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING`,
		email, reason)
	if err != nil {
		return fmt.Errorf("insert suppression: %w", err)
	}
	return nil
}

// InsertEmailEvent records one raw provider webhook event.
func (s *Store) InsertEmailEvent(ctx context.Context, event *datatypes.EmailEvent) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_events (id, provider, event, email, message_id, payload)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)`,
		uuid.New(), event.Provider, event.Event, event.Email, event.MessageID, payload)
	if err != nil {
		return fmt.Errorf("insert email event: %w", err)
	}
	return nil
}

// GetOrCreateUnsubscribeToken returns the user's stable unsubscribe
// token, minting one on first use.
func (s *Store) GetOrCreateUnsubscribeToken(ctx context.Context, userID uuid.UUID) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT token FROM unsubscribe_tokens WHERE user_id = $1`, userID).Scan(&token)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("get unsubscribe token: %w", err)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mint unsubscribe token: %w", err)
	}
	token = hex.EncodeToString(raw)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO unsubscribe_tokens (token, user_id) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		token, userID)
	if err != nil {
		return "", fmt.Errorf("insert unsubscribe token: %w", err)
	}
	// A concurrent mint may have won the conflict; read back the winner.
	if err := s.pool.QueryRow(ctx,
		`SELECT token FROM unsubscribe_tokens WHERE user_id = $1`, userID).Scan(&token); err != nil {
		return "", fmt.Errorf("read unsubscribe token: %w", err)
	}
	return token, nil
}

// UserByUnsubscribeToken resolves a token from an email footer link.
func (s *Store) UserByUnsubscribeToken(ctx context.Context, token string) (uuid.UUID, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var userID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM unsubscribe_tokens WHERE token = $1`, token).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve unsubscribe token: %w", err)
	}
	return userID, nil
}

// EmailByUserID returns the user's contact address from the profile.
func (s *Store) EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var email string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(email, '') FROM profiles WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("email by user: %w", err)
	}
	return email, nil
}

// ContactByUserID returns the profile fields a digest addresses the user
// with.
func (s *Store) ContactByUserID(ctx context.Context, userID uuid.UUID) (email, nickname string, err error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(email, ''), COALESCE(nickname, '') FROM profiles WHERE id = $1`,
		userID).Scan(&email, &nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("contact by user: %w", err)
	}
	return email, nickname, nil
}
