// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/store"
)

func TestEmailPreferencesRoundTrip(t *testing.T) {
	userID := uuid.New()
	st := &fakeEmailPrefStore{prefs: make(map[uuid.UUID]*datatypes.EmailPreferences)}
	router := gin.New()
	auth := router.Group("/", authAs(userID))
	auth.GET("/email/preferences", GetEmailPreferences(st))
	auth.PUT("/email/preferences", UpdateEmailPreferences(st))

	w := doJSON(t, router, http.MethodGet, "/email/preferences", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"preferred_day":6`)

	w = doJSON(t, router, http.MethodPut, "/email/preferences",
		gin.H{"preferred_day": 2}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"preferred_day":2`)

	// Out-of-range day fails binding.
	w = doJSON(t, router, http.MethodPut, "/email/preferences",
		gin.H{"preferred_day": 9}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCronDigestRequiresSecret(t *testing.T) {
	runner := &fakeDigestRunner{sweepResp: &datatypes.CronDigestResponse{Success: true}}
	router := gin.New()
	router.POST("/email/cron", CronDigest(runner, testMetrics(), "hush"))

	w := doJSON(t, router, http.MethodPost, "/email/cron", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, runner.swept)

	w = doJSON(t, router, http.MethodPost, "/email/cron", nil,
		map[string]string{"X-Cron-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/email/cron", nil,
		map[string]string{"X-Cron-Secret": "hush"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, runner.swept)
}

func TestCronDigestRejectsEmptyConfiguredSecret(t *testing.T) {
	runner := &fakeDigestRunner{sweepResp: &datatypes.CronDigestResponse{Success: true}}
	router := gin.New()
	router.POST("/email/cron", CronDigest(runner, testMetrics(), ""))

	// An unset secret closes the endpoint instead of opening it.
	w := doJSON(t, router, http.MethodPost, "/email/cron", nil,
		map[string]string{"X-Cron-Secret": ""})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTestSendDigestPassesOptions(t *testing.T) {
	userID := uuid.New()
	runner := &fakeDigestRunner{decision: datatypes.DigestDecision{UserID: userID, Sent: true}}
	router := gin.New()
	router.POST("/email/test-send", authAs(userID), TestSendDigest(runner, testMetrics()))

	w := doJSON(t, router, http.MethodPost, "/email/test-send", gin.H{
		"force":          true,
		"dry_run":        true,
		"email_override": "tester@example.com",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, runner.gotOpts.Force)
	assert.True(t, runner.gotOpts.DryRun)
	assert.Equal(t, "tester@example.com", runner.gotOpts.EmailOverride)
}

func TestEmailWebhookRecordsEvent(t *testing.T) {
	sink := &fakeEventSink{}
	router := gin.New()
	router.POST("/email/webhook", EmailWebhook(sink, testLogger()))

	w := doJSON(t, router, http.MethodPost, "/email/webhook", gin.H{
		"event":      "hard_bounce",
		"email":      "gone@example.com",
		"message-id": "<abc@smtp>",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "brevo", sink.events[0].Provider)
	assert.Equal(t, "hard_bounce", sink.events[0].Event)
	assert.Equal(t, "gone@example.com", sink.events[0].Email)
	assert.Equal(t, "<abc@smtp>", sink.events[0].MessageID)

	w = doJSON(t, router, http.MethodPost, "/email/webhook", gin.H{"email": "x@example.com"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnsubscribe(t *testing.T) {
	sink := &fakeEventSink{}
	router := gin.New()
	router.GET("/email/unsubscribe/:token", Unsubscribe(sink))

	w := doJSON(t, router, http.MethodGet, "/email/unsubscribe/tok123", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"tok123"}, sink.unsubbed)

	sink.unsubErr = store.ErrNotFound
	w = doJSON(t, router, http.MethodGet, "/email/unsubscribe/bogus", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	router := gin.New()
	router.GET("/health", Health(pingOK{}))
	w := doJSON(t, router, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	router = gin.New()
	router.GET("/health", Health(pingBad{}))
	w = doJSON(t, router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
