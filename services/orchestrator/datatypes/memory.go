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

// Memory types. Each maps to a bucket of the profile's memory_profile
// document.
const (
	MemoryTypePreference = "user_preference"
	MemoryTypeFact       = "fact"
	MemoryTypeContext    = "context"
	MemoryTypeInsight    = "insight"
)

// Consolidation strategies.
const (
	StrategySimilarity = "similarity"
	StrategyImportance = "importance"
	StrategyTime       = "time"
)

// Consolidation defaults.
const (
	DefaultConsolidationThreshold = 0.8
	DefaultMaxMemoriesPerType     = 50

	// MemoryProfileVersion tags the document schema so future readers
	// can migrate old profiles.
	MemoryProfileVersion = 1
)

// MemoryTypes lists the valid memory_type values in bucket order.
var MemoryTypes = []string{
	MemoryTypePreference,
	MemoryTypeFact,
	MemoryTypeContext,
	MemoryTypeInsight,
}

// ValidMemoryType reports whether t names a known memory type.
func ValidMemoryType(t string) bool {
	for _, known := range MemoryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ChatMemory is one durable datum extracted from a session.
type ChatMemory struct {
	ID              uuid.UUID      `json:"id"`
	SessionID       uuid.UUID      `json:"session_id"`
	MemoryType      string         `json:"memory_type"`
	Content         string         `json:"content"`
	ImportanceScore float64        `json:"importance_score"`
	IsActive        bool           `json:"is_active"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MemoryItem is one consolidated entry inside a profile bucket.
type MemoryItem struct {
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConsolidationSettings are user-editable knobs stored on the profile.
type ConsolidationSettings struct {
	AutoConsolidate        bool    `json:"auto_consolidate"`
	ConsolidationThreshold float64 `json:"consolidation_threshold"`
	MaxMemoriesPerType     int     `json:"max_memories_per_type"`
	ConsolidationStrategy  string  `json:"consolidation_strategy"`
}

// DefaultConsolidationSettings returns the starting settings for a
// profile without any.
func DefaultConsolidationSettings() ConsolidationSettings {
	return ConsolidationSettings{
		AutoConsolidate:        true,
		ConsolidationThreshold: DefaultConsolidationThreshold,
		MaxMemoriesPerType:     DefaultMaxMemoriesPerType,
		ConsolidationStrategy:  StrategySimilarity,
	}
}

// MemoryProfile is the consolidated memory document stored on the
// profile row. Readers must tolerate missing buckets; Version lets a
// future schema migrate in place.
type MemoryProfile struct {
	Version               int                   `json:"version"`
	Preferences           []MemoryItem          `json:"preferences,omitempty"`
	Facts                 []MemoryItem          `json:"facts,omitempty"`
	Context               []MemoryItem          `json:"context,omitempty"`
	Insights              []MemoryItem          `json:"insights,omitempty"`
	LastConsolidated      *time.Time            `json:"last_consolidated,omitempty"`
	ConsolidationSettings ConsolidationSettings `json:"consolidation_settings"`
}

// Bucket returns the bucket slice for a memory type.
func (p *MemoryProfile) Bucket(memoryType string) []MemoryItem {
	switch memoryType {
	case MemoryTypePreference:
		return p.Preferences
	case MemoryTypeFact:
		return p.Facts
	case MemoryTypeContext:
		return p.Context
	case MemoryTypeInsight:
		return p.Insights
	default:
		return nil
	}
}

// SetBucket replaces the bucket slice for a memory type.
func (p *MemoryProfile) SetBucket(memoryType string, items []MemoryItem) {
	switch memoryType {
	case MemoryTypePreference:
		p.Preferences = items
	case MemoryTypeFact:
		p.Facts = items
	case MemoryTypeContext:
		p.Context = items
	case MemoryTypeInsight:
		p.Insights = items
	}
}

// ConsolidateRequest triggers consolidation manually.
type ConsolidateRequest struct {
	MemoryTypes           []string `json:"memory_types,omitempty" binding:"omitempty,dive,memory_type"`
	ForceConsolidate      bool     `json:"force_consolidate,omitempty"`
	ConsolidationStrategy string   `json:"consolidation_strategy,omitempty" binding:"omitempty,oneof=similarity importance time"`
}

// MemorySettingsRequest updates consolidation settings. Nil fields keep
// their current value.
type MemorySettingsRequest struct {
	AutoConsolidate        *bool    `json:"auto_consolidate,omitempty"`
	ConsolidationThreshold *float64 `json:"consolidation_threshold,omitempty" binding:"omitempty,gte=0,lte=1"`
	MaxMemoriesPerType     *int     `json:"max_memories_per_type,omitempty" binding:"omitempty,gte=1,lte=500"`
	ConsolidationStrategy  *string  `json:"consolidation_strategy,omitempty" binding:"omitempty,oneof=similarity importance time"`
}

// MemorySummary reports bucket sizes without the contents.
type MemorySummary struct {
	Success          bool           `json:"success"`
	Counts           map[string]int `json:"counts"`
	LastConsolidated *time.Time     `json:"last_consolidated,omitempty"`
}
