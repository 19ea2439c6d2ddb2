// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// Provider events that suppress an address from future sends.
var suppressingEvents = map[string]string{
	"hard_bounce":  "bounced",
	"blocked":      "bounced",
	"spam":         "complaint",
	"complaint":    "complaint",
	"unsubscribed": "unsubscribed",
}

// EmailEventStore is the slice of the store the event recorder needs.
type EmailEventStore interface {
	InsertEmailEvent(ctx context.Context, event *datatypes.EmailEvent) error
	InsertSuppression(ctx context.Context, email, reason string) error
	UserByUnsubscribeToken(ctx context.Context, token string) (uuid.UUID, error)
	EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error)
	UpdateEmailPreferences(ctx context.Context, userID uuid.UUID, req *datatypes.UpdateEmailPreferencesRequest) (*datatypes.EmailPreferences, error)
}

// EmailEventRecorder persists provider webhook events and maintains the
// suppression list from them.
type EmailEventRecorder struct {
	store  EmailEventStore
	logger *logging.Logger
}

// NewEmailEventRecorder constructs an EmailEventRecorder. Panics on nil
// dependencies.
func NewEmailEventRecorder(store EmailEventStore, logger *logging.Logger) *EmailEventRecorder {
	if store == nil {
		panic("services: NewEmailEventRecorder requires a store")
	}
	if logger == nil {
		panic("services: NewEmailEventRecorder requires a logger")
	}
	return &EmailEventRecorder{store: store, logger: logger}
}

// Record stores one event and, for bounce and complaint class events,
// suppresses the address.
func (r *EmailEventRecorder) Record(ctx context.Context, event *datatypes.EmailEvent) error {
	if err := r.store.InsertEmailEvent(ctx, event); err != nil {
		return err
	}
	reason, suppressing := suppressingEvents[strings.ToLower(event.Event)]
	if !suppressing || event.Email == "" {
		return nil
	}
	if err := r.store.InsertSuppression(ctx, event.Email, reason); err != nil {
		return err
	}
	r.logger.Info("email suppressed",
		slog.String("event", event.Event),
		slog.String("reason", reason))
	return nil
}

// Unsubscribe resolves a footer token, disables the user's digest and
// suppresses their address.
func (r *EmailEventRecorder) Unsubscribe(ctx context.Context, token string) error {
	userID, err := r.store.UserByUnsubscribeToken(ctx, token)
	if err != nil {
		return err
	}
	disabled := false
	if _, err := r.store.UpdateEmailPreferences(ctx, userID, &datatypes.UpdateEmailPreferencesRequest{
		WeeklyDigestEnabled: &disabled,
	}); err != nil {
		return err
	}
	email, err := r.store.EmailByUserID(ctx, userID)
	if err != nil || email == "" {
		return err
	}
	return r.store.InsertSuppression(ctx, email, "unsubscribed")
}
