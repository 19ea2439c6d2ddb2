// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header and offers it to each configured TokenVerifier in order. The
// first verifier that recognizes the token wins; a verifier that does
// not recognize the token's shape returns ErrUnsupportedToken so the
// next one can try.
//
//	Request
//	   │
//	   ▼
//	RequireAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► verifier[0].Verify(ctx, token)  ── ErrUnsupportedToken ─┐
//	   │                                                           │
//	   ├─► verifier[1].Verify(ctx, token)  ◄───────────────────────┘
//	   │
//	   └─► Store user id in context
//	           │
//	           ▼
//	       Handler (retrieves via UserID)
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// userIDKey is the gin context key for the authenticated user id.
const userIDKey = "quest_user_id"

// ErrUnsupportedToken signals that a verifier does not handle this token
// shape; the middleware moves on to the next verifier.
var ErrUnsupportedToken = errors.New("middleware: token shape not supported")

// ErrInvalidToken signals that the token was recognized but rejected.
var ErrInvalidToken = errors.New("middleware: invalid token")

// Identity is the authenticated principal.
type Identity struct {
	UserID uuid.UUID
}

// TokenVerifier validates one bearer token format.
type TokenVerifier interface {
	// Verify returns the identity behind a token, ErrUnsupportedToken if
	// the token shape belongs to another verifier, or ErrInvalidToken
	// (possibly wrapped) on rejection.
	Verify(ctx context.Context, token string) (*Identity, error)
}

// =============================================================================
// Context helpers
// =============================================================================

// SetUserID stores the authenticated user id in the gin context.
func SetUserID(c *gin.Context, userID uuid.UUID) {
	c.Set(userIDKey, userID)
}

// UserID retrieves the authenticated user id set by RequireAuth.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// =============================================================================
// Middleware
// =============================================================================

// RequireAuth authenticates the request against the configured verifiers
// and aborts with 401 when none accepts the token.
func RequireAuth(verifiers ...TokenVerifier) gin.HandlerFunc {
	if len(verifiers) == 0 {
		panic("middleware: RequireAuth requires at least one verifier")
	}
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.NewError(err.Error()))
			return
		}

		for _, v := range verifiers {
			identity, err := v.Verify(c.Request.Context(), token)
			if errors.Is(err, ErrUnsupportedToken) {
				continue
			}
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.NewError("invalid or expired token"))
				return
			}
			SetUserID(c, identity.UserID)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.NewError("unrecognized token"))
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("malformed Authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// =============================================================================
// Opaque service tokens
// =============================================================================

// OpaqueTokenVerifier handles service-issued opaque tokens of the form
// "<user_uuid>:<secret>", optionally prefixed "google_" for accounts
// provisioned through OAuth. The secret is checked against the shared
// service secret.
type OpaqueTokenVerifier struct {
	secret string
}

var _ TokenVerifier = (*OpaqueTokenVerifier)(nil)

// NewOpaqueTokenVerifier reads the shared secret from SERVICE_TOKEN_SECRET
// when not given.
func NewOpaqueTokenVerifier(secret string) *OpaqueTokenVerifier {
	if secret == "" {
		secret = os.Getenv("SERVICE_TOKEN_SECRET")
	}
	return &OpaqueTokenVerifier{secret: secret}
}

// Verify implements TokenVerifier.
func (v *OpaqueTokenVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	raw := strings.TrimPrefix(token, "google_")
	uid, secret, found := strings.Cut(raw, ":")
	if !found {
		return nil, ErrUnsupportedToken
	}
	userID, err := uuid.Parse(uid)
	if err != nil {
		return nil, ErrUnsupportedToken
	}
	if v.secret == "" || secret != v.secret {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: userID}, nil
}

// =============================================================================
// Auth-backend JWTs
// =============================================================================

// AuthBackendVerifier validates standard JWTs by asking the auth backend,
// which owns the signing keys and session state.
type AuthBackendVerifier struct {
	baseURL    string
	httpClient *http.Client
}

var _ TokenVerifier = (*AuthBackendVerifier)(nil)

// NewAuthBackendVerifier reads the backend URL from AUTH_SERVICE_URL when
// not given.
func NewAuthBackendVerifier(baseURL string) (*AuthBackendVerifier, error) {
	if baseURL == "" {
		baseURL = os.Getenv("AUTH_SERVICE_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("middleware: auth service URL not configured")
	}
	return &AuthBackendVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type verifyResponse struct {
	UserID string `json:"user_id"`
}

// Verify implements TokenVerifier. JWTs are recognized by their three
// dot-separated segments.
func (v *AuthBackendVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrUnsupportedToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/v1/auth/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth backend status %d: %w", resp.StatusCode, ErrInvalidToken)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	var parsed verifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	userID, err := uuid.Parse(parsed.UserID)
	if err != nil {
		return nil, fmt.Errorf("auth backend returned bad user id: %w", ErrInvalidToken)
	}
	return &Identity{UserID: userID}, nil
}
