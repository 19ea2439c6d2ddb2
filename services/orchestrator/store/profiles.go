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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

// GetProfile loads a user's profile. A missing memory_profile document
// decodes to the zero value; callers fill in defaults.
func (s *Store) GetProfile(ctx context.Context, userID uuid.UUID) (*datatypes.Profile, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var p datatypes.Profile
	var memoryProfile []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(username,''), COALESCE(nickname,''), COALESCE(email,''),
		       COALESCE(avatar_url,''), COALESCE(bio,''),
		       COALESCE(memory_profile,'{}'::jsonb), created_at, updated_at
		FROM profiles WHERE id = $1`,
		userID).Scan(&p.ID, &p.Username, &p.Nickname, &p.Email, &p.AvatarURL,
		&p.Bio, &memoryProfile, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if len(memoryProfile) > 0 {
		// Tolerate old documents; a decode failure just yields defaults.
		_ = json.Unmarshal(memoryProfile, &p.MemoryProfile)
	}
	if p.MemoryProfile.ConsolidationSettings == (datatypes.ConsolidationSettings{}) {
		p.MemoryProfile.ConsolidationSettings = datatypes.DefaultConsolidationSettings()
	}
	return &p, nil
}

// UpdateMemoryProfile writes the consolidated memory document.
func (s *Store) UpdateMemoryProfile(ctx context.Context, userID uuid.UUID, profile *datatypes.MemoryProfile) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal memory profile: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles SET memory_profile = $2, updated_at = now() WHERE id = $1`,
		userID, doc)
	if err != nil {
		return fmt.Errorf("update memory profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
