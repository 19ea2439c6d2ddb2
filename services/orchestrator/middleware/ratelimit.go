// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
)

const (
	// DefaultChatRatePerMinute caps chat turns per user.
	DefaultChatRatePerMinute = 30

	// limiterIdleTTL is how long an unused per-key limiter survives
	// before the sweep drops it.
	limiterIdleTTL = 10 * time.Minute
)

// RateLimiter applies a token-bucket limit per authenticated user,
// falling back to the client IP for unauthenticated routes.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	lastSwep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter allowing perMinute events with an
// equal burst.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute < 1 {
		perMinute = DefaultChatRatePerMinute
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		lastSwep: time.Now(),
	}
}

// Middleware enforces the limit and responds 429 with Retry-After when
// the bucket is empty.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID, ok := UserID(c); ok {
			key = userID.String()
		}

		limiter := r.limiterFor(key)
		if !limiter.Allow() {
			// Seconds until one token refills.
			retryAfter := int(math.Ceil(1.0 / float64(r.limit)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				datatypes.NewError("rate limit exceeded, slow down"))
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastSwep) > limiterIdleTTL {
		for k, e := range r.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(r.limiters, k)
			}
		}
		r.lastSwep = now
	}

	entry, ok := r.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}
