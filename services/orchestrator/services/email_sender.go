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
// == Transactional Email (Brevo)
// =============================================================================

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

const (
	brevoSendURL     = "https://api.brevo.com/v3/smtp/email"
	emailSendTimeout = 20 * time.Second
)

// EmailSender delivers one rendered digest.
type EmailSender interface {
	// SendDigest sends the digest template to one recipient and returns
	// the provider's message id.
	SendDigest(ctx context.Context, toEmail, toName string, payload *datatypes.DigestPayload, unsubscribeURL string) (string, error)
}

// BrevoSender sends via Brevo's transactional template API. The digest
// payload travels under params for the template to interpolate.
type BrevoSender struct {
	apiKey      string
	templateID  int
	senderEmail string
	senderName  string
	httpClient  *http.Client
	logger      *logging.Logger
}

var _ EmailSender = (*BrevoSender)(nil)

// BrevoConfig configures the sender. Empty fields fall back to the
// BREVO_API_KEY, BREVO_DIGEST_TEMPLATE_ID, BREVO_SENDER_EMAIL and
// BREVO_SENDER_NAME environment variables.
type BrevoConfig struct {
	APIKey      string
	TemplateID  int
	SenderEmail string
	SenderName  string
	Logger      *logging.Logger
}

// NewBrevoSender constructs a BrevoSender.
func NewBrevoSender(cfg BrevoConfig) (*BrevoSender, error) {
	if cfg.Logger == nil {
		panic("services: NewBrevoSender requires a logger")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("BREVO_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("brevo api key not configured")
	}
	templateID := cfg.TemplateID
	if templateID == 0 {
		templateID, _ = strconv.Atoi(os.Getenv("BREVO_DIGEST_TEMPLATE_ID"))
	}
	if templateID == 0 {
		return nil, fmt.Errorf("brevo digest template id not configured")
	}
	senderEmail := cfg.SenderEmail
	if senderEmail == "" {
		senderEmail = os.Getenv("BREVO_SENDER_EMAIL")
	}
	senderName := cfg.SenderName
	if senderName == "" {
		senderName = os.Getenv("BREVO_SENDER_NAME")
	}
	return &BrevoSender{
		apiKey:      apiKey,
		templateID:  templateID,
		senderEmail: senderEmail,
		senderName:  senderName,
		httpClient:  &http.Client{Timeout: emailSendTimeout},
		logger:      cfg.Logger,
	}, nil
}

type brevoRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendRequest struct {
	Sender     *brevoRecipient  `json:"sender,omitempty"`
	To         []brevoRecipient `json:"to"`
	TemplateID int              `json:"templateId"`
	Params     map[string]any   `json:"params"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

// SendDigest implements EmailSender.
func (b *BrevoSender) SendDigest(ctx context.Context, toEmail, toName string, payload *datatypes.DigestPayload, unsubscribeURL string) (string, error) {
	params, err := payloadParams(payload, unsubscribeURL)
	if err != nil {
		return "", err
	}

	req := brevoSendRequest{
		To:         []brevoRecipient{{Email: toEmail, Name: toName}},
		TemplateID: b.templateID,
		Params:     params,
	}
	if b.senderEmail != "" {
		req.Sender = &brevoRecipient{Email: b.senderEmail, Name: b.senderName}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, brevoSendURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("api-key", b.apiKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send digest email: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("brevo send failed: status %d: %s", resp.StatusCode, respBody)
	}

	var parsed brevoSendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode brevo response: %w", err)
	}
	return parsed.MessageID, nil
}

// payloadParams converts the typed payload into the loose params map the
// template API expects, adding the unsubscribe link.
func payloadParams(payload *datatypes.DigestPayload, unsubscribeURL string) (map[string]any, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal digest payload: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(doc, &params); err != nil {
		return nil, fmt.Errorf("decode digest payload: %w", err)
	}
	if unsubscribeURL != "" {
		params["unsubscribe_url"] = unsubscribeURL
	}
	return params, nil
}
