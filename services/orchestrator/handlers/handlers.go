// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the orchestrator's HTTP endpoints.
//
// Handlers are thin: they bind and validate input, call one service or
// store operation, and shape the response envelope. Every error response
// uses the {"success": false, "detail": ...} envelope; handlers never
// leak internal error strings for 5xx responses.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/datatypes"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/middleware"
	"github.com/chrischrischristianyijin/quest-api/services/orchestrator/store"
)

// currentUser pulls the authenticated user id set by the auth
// middleware. Aborts 401 when absent (route wired without RequireAuth).
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.NewError("not authenticated"))
		return uuid.Nil, false
	}
	return userID, true
}

// uuidParam parses a path parameter as a UUID, aborting 400 on garbage.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.NewError("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// respondStoreError maps store sentinels onto status codes. Unknown
// errors become an opaque 500.
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, datatypes.NewError("resource not found"))
	case errors.Is(err, store.ErrForbidden):
		c.JSON(http.StatusForbidden, datatypes.NewError("resource belongs to another user"))
	default:
		c.JSON(http.StatusInternalServerError, datatypes.NewError("internal error"))
	}
}

// badRequest shapes a 400 with the binding error's message.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, datatypes.NewError(err.Error()))
}
