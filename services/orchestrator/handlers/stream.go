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
// == SSE Stream Writer
// =============================================================================

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sseWriter frames JSON events for a Server-Sent Events response. Events
// carry their type inside the JSON body rather than an SSE "event:" line,
// so EventSource and plain fetch-stream clients parse them the same way.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares the response for streaming and returns the
// writer. Fails when the underlying connection cannot flush, which means
// streaming is impossible and the caller should fall back to blocking.
func newSSEWriter(c *gin.Context) (*sseWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// Tell nginx-style proxies not to buffer the stream.
	c.Header("X-Accel-Buffering", "no")
	return &sseWriter{w: c.Writer, flusher: flusher}, nil
}

// send marshals one event and flushes it to the client. A write error
// means the client is gone.
func (s *sseWriter) send(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
