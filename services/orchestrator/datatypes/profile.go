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

// Profile mirrors the auth identity 1:1 and carries the consolidated
// memory document.
type Profile struct {
	ID            uuid.UUID     `json:"id"`
	Username      string        `json:"username,omitempty"`
	Nickname      string        `json:"nickname,omitempty"`
	Email         string        `json:"email,omitempty"`
	AvatarURL     string        `json:"avatar_url,omitempty"`
	Bio           string        `json:"bio,omitempty"`
	MemoryProfile MemoryProfile `json:"memory_profile"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ErrorResponse is the JSON error envelope used by every endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

// NewError builds the standard error envelope.
func NewError(detail string) ErrorResponse {
	return ErrorResponse{Success: false, Detail: detail}
}
