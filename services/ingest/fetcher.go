// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest implements the content ingestion pipeline: URL fetch,
// article extraction, extractive preprocessing, summary caching,
// chunking, and the orchestration that ties them to storage and the
// embedding backend.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Fetch limits. Errors from exceeding them are typed so the pipeline can
// decide what degradation still produces a persisted insight.
const (
	fetchConnectTimeout = 5 * time.Second
	fetchTotalTimeout   = 15 * time.Second
	fetchMaxRedirects   = 5
	fetchMaxBodyBytes   = 10 << 20 // 10 MB

	// Desktop UA; several publishers serve stripped pages to unknown agents.
	fetchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Typed fetch errors. All are non-fatal to insight creation; the pipeline
// logs a partial ingest and keeps whatever the user provided.
var (
	ErrUnreachable  = errors.New("ingest: host unreachable")
	ErrTimeout      = errors.New("ingest: fetch timed out")
	ErrTooLarge     = errors.New("ingest: response exceeds size limit")
	ErrNotHTML      = errors.New("ingest: response is not html")
	ErrTooManyHops  = errors.New("ingest: too many redirects")
)

// BadStatusError reports a non-2xx response.
type BadStatusError struct {
	Code int
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("ingest: bad status %d", e.Code)
}

// FetchResult is a successfully retrieved page.
type FetchResult struct {
	HTML        string
	FinalURL    string
	ContentType string
}

// Fetcher retrieves HTML pages with bounded time and size.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

type httpFetcher struct {
	client *http.Client
}

var _ Fetcher = (*httpFetcher)(nil)

// NewFetcher creates a Fetcher with the standard limits: 5 s connect,
// 15 s total, 5 redirects, 10 MB ceiling. Cookies are not persisted.
func NewFetcher() Fetcher {
	dialer := &net.Dialer{Timeout: fetchConnectTimeout}
	return &httpFetcher{
		client: &http.Client{
			Timeout: fetchTotalTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: fetchConnectTimeout,
				// One-shot fetches; keep-alives just hold sockets open.
				DisableKeepAlives: true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= fetchMaxRedirects {
					return ErrTooManyHops
				}
				return nil
			},
		},
	}
}

// Fetch retrieves url, following up to 5 redirects.
func (f *httpFetcher) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BadStatusError{Code: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	if !isTextContentType(contentType) {
		return nil, fmt.Errorf("%w: %q", ErrNotHTML, contentType)
	}

	// Read one byte past the cap to distinguish at-limit from over-limit.
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes+1))
	if err != nil {
		return nil, classifyFetchError(err)
	}
	if len(body) > fetchMaxBodyBytes {
		return nil, ErrTooLarge
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &FetchResult{
		HTML:        string(body),
		FinalURL:    finalURL,
		ContentType: contentType,
	}, nil
}

func isTextContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") ||
		strings.Contains(ct, "application/xhtml") ||
		strings.Contains(ct, "text/plain")
}

func classifyFetchError(err error) error {
	if errors.Is(err, ErrTooManyHops) {
		return ErrTooManyHops
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
