// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/chrischrischristianyijin/quest-api/pkg/logging"
)

// ErrSupervisorClosed is returned by Go after Shutdown has begun.
var ErrSupervisorClosed = errors.New("ingest: supervisor shut down")

// Supervisor runs background tasks with bounded concurrency and a
// drain-on-shutdown guarantee. Request handlers never detach a bare
// goroutine; everything spawned from a request goes through here so the
// process can account for it at exit.
type Supervisor struct {
	sem    chan struct{}
	logger *logging.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewSupervisor creates a Supervisor allowing maxConcurrent tasks in
// flight. Non-positive maxConcurrent defaults to the CPU count.
func NewSupervisor(maxConcurrent int, logger *logging.Logger) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	if logger == nil {
		panic("ingest: NewSupervisor requires a logger")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		sem:     make(chan struct{}, maxConcurrent),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Go schedules task under the supervisor. The task receives a context
// derived from the supervisor's lifetime with the given timeout; a zero
// timeout means no per-task deadline. Panics are recovered and logged.
//
// Returns ErrSupervisorClosed once Shutdown has begun; callers treat
// that as a degraded-but-successful request (the synchronous part
// already finished).
func (s *Supervisor) Go(name string, timeout time.Duration, task func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.baseCtx.Done():
			s.logger.Warn("background task dropped at shutdown", "task", name)
			return
		}

		ctx := s.baseCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked", "task", name, "panic", fmt.Sprint(r))
			}
		}()

		start := time.Now()
		if err := task(ctx); err != nil {
			s.logger.Error("background task failed",
				"task", name,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			return
		}
		s.logger.Debug("background task finished",
			"task", name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()
	return nil
}

// Shutdown stops accepting new tasks and waits for in-flight tasks to
// drain, up to ctx's deadline. Tasks still running at the deadline are
// canceled via their contexts.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("ingest: shutdown drain incomplete: %w", ctx.Err())
	}
}
