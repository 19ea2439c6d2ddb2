// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// Sentinel errors classifying upstream model failures. Callers test with
// errors.Is and map to HTTP status codes at the handler layer.
var (
	// ErrAuth indicates a rejected or missing API key (upstream 401/403).
	ErrAuth = errors.New("llm: authentication failed")

	// ErrRateLimited indicates the upstream throttled the request (429).
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrUpstreamTimeout indicates the upstream did not respond in time.
	ErrUpstreamTimeout = errors.New("llm: upstream timeout")

	// ErrUpstreamServer indicates an upstream 5xx failure.
	ErrUpstreamServer = errors.New("llm: upstream server error")

	// ErrBadRequest indicates the request itself was malformed (400/422).
	ErrBadRequest = errors.New("llm: bad request")

	// ErrContextOverflow indicates the prompt exceeded the model's
	// context window. Not retryable; callers must shrink the prompt.
	ErrContextOverflow = errors.New("llm: context length exceeded")
)

// IsRetryable reports whether a call failing with err is worth retrying.
// Rate limits, 5xx responses, and timeouts are transient; everything else
// (auth, bad request, context overflow, caller cancellation) is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstreamServer) ||
		errors.Is(err, ErrUpstreamTimeout)
}

// classifyError maps a go-openai error onto the sentinel taxonomy,
// preserving the original error for logging via %w.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
			return fmt.Errorf("%w: %v", ErrContextOverflow, err)
		}
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}

	return err
}

func classifyStatus(status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case status == 429:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case status >= 500:
		return fmt.Errorf("%w: %v", ErrUpstreamServer, err)
	case status == 400 || status == 404 || status == 422:
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	default:
		return err
	}
}
