// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package report discovers when the server-side analysis report for a
// session becomes available.
//
// The report is generated asynchronously after a conversation ends. There is
// no push channel, so the client polls GET /sessions/{id}/report_status on a
// fixed interval until it answers ready, the session disappears, or the
// poller is stopped.
package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/observability"
)

// DefaultInterval is the polling period.
const DefaultInterval = 3 * time.Second

// Checker answers whether a session's report is ready. *api.Client
// implements it.
type Checker interface {
	ReportStatus(ctx context.Context, sessionID string) (*api.ReportStatus, error)
}

// Config configures a Poller.
type Config struct {
	// Interval between polls. Default: DefaultInterval.
	Interval time.Duration

	// RequestTimeout bounds a single poll. Default: Interval.
	RequestTimeout time.Duration

	// OnReady is invoked exactly once per run when the report is ready.
	OnReady func(sessionID string)

	// OnAuthRequired is invoked when the server rejects credentials.
	// The run stops; it is never retried.
	OnAuthRequired func(sessionID string)

	// OnGone is invoked when the server no longer knows the session. The
	// run stops either way.
	OnGone func(sessionID string)

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns a Config with default timing and no callbacks.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// run is one polling loop bound to one session.
type run struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// Poller polls one session at a time.
//
// # Description
//
// Start launches a ticker goroutine for a session; a Start while a run is
// active stops the old run first. Each tick queries the Checker:
//
//   - ready: the run stops and OnReady fires once
//   - not ready or transient error: keep polling
//   - api.ErrNotFound: the run stops and OnGone fires if set
//   - api.ErrUnauthorized: the run stops and OnAuthRequired fires
//
// The first poll happens one Interval after Start.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Stop never waits for an
// in-flight poll or callback, so it may be called from any goroutine,
// including while holding locks a callback would take. A callback racing
// a Stop may still fire for the stopped session; callers compare the
// session id they receive.
type Poller struct {
	checker Checker
	config  Config
	logger  *slog.Logger

	mu      sync.Mutex
	current *run
}

// NewPoller creates a stopped Poller.
func NewPoller(checker Checker, config Config) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = config.Interval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{checker: checker, config: config, logger: logger}
}

// Start begins polling sessionID, replacing any active run.
func (p *Poller) Start(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{sessionID: sessionID, ctx: ctx, cancel: cancel}

	p.mu.Lock()
	if p.current != nil {
		p.current.cancel()
	}
	p.current = r
	p.mu.Unlock()

	p.logger.Debug("report poller starting",
		"session_id", sessionID,
		"interval", p.config.Interval.String(),
	)
	go p.runLoop(r)
}

// Stop ends the active run, if any. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return
	}
	p.logger.Debug("report poller stopping", "session_id", p.current.sessionID)
	p.current.cancel()
	p.current = nil
}

// Running reports whether a run is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// SessionID returns the session being polled, or "".
func (p *Poller) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.sessionID
}

func (p *Poller) runLoop(r *run) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if p.poll(r) {
				return
			}
		}
	}
}

// poll performs one check and reports whether the run is over.
func (p *Poller) poll(r *run) bool {
	ctx, cancel := context.WithTimeout(r.ctx, p.config.RequestTimeout)
	defer cancel()

	status, err := p.checker.ReportStatus(ctx, r.sessionID)
	if r.ctx.Err() != nil {
		return true
	}

	switch {
	case err == nil && status != nil && status.Ready:
		p.config.Metrics.RecordPoll(observability.PollReady)
		if !p.finish(r) {
			return true
		}
		p.logger.Info("report ready", "session_id", r.sessionID)
		if p.config.OnReady != nil {
			p.config.OnReady(r.sessionID)
		}
		return true

	case err == nil:
		p.config.Metrics.RecordPoll(observability.PollNotReady)
		return false

	case errors.Is(err, api.ErrUnauthorized):
		p.config.Metrics.RecordPoll(observability.PollUnauthorized)
		if !p.finish(r) {
			return true
		}
		p.logger.Warn("report polling stopped: not authenticated", "session_id", r.sessionID)
		if p.config.OnAuthRequired != nil {
			p.config.OnAuthRequired(r.sessionID)
		}
		return true

	case errors.Is(err, api.ErrNotFound):
		p.config.Metrics.RecordPoll(observability.PollNotFound)
		if !p.finish(r) {
			return true
		}
		p.logger.Info("report polling stopped: session not found", "session_id", r.sessionID)
		if p.config.OnGone != nil {
			p.config.OnGone(r.sessionID)
		}
		return true

	default:
		p.config.Metrics.RecordPoll(observability.PollError)
		p.logger.Debug("report poll failed, will retry", "session_id", r.sessionID, "error", err)
		return false
	}
}

// finish retires r. It returns false if r was already stopped, in which
// case no callback may fire.
func (p *Poller) finish(r *run) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.ctx.Err() != nil {
		return false
	}
	r.cancel()
	if p.current == r {
		p.current = nil
	}
	return true
}
