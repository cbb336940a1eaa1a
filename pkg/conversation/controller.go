// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation drives a metalks conversation: session identity,
// mode transitions, streamed replies and report discovery.
//
// # Architecture
//
//	            ┌──────────────────────── Controller ───────────────────────┐
//	user ─────► │ history · mode · session id · unsaved · pending change    │ ──► Observer
//	            │        │ opens (one at a time)             │ start/stop   │
//	            │        ▼                                   ▼              │
//	            │  StreamSession ── sse.ChunkReader    report.Poller        │
//	            └────────┼───────────────────────────────────┼──────────────┘
//	                     ▼                                   ▼
//	              POST /chat/stream              GET /sessions/{id}/report_status
//
// # Concurrency
//
// One mutex guards all controller state. Every stream is stamped with a
// generation number; starting a stream (or cancelling one) bumps the
// generation, so events from an older stream are recognized and dropped
// even if their bytes were already in flight. Observers are notified under
// the mutex, which keeps notifications totally ordered.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/observability"
	"github.com/metalks/metalks-client/pkg/report"
	"github.com/metalks/metalks-client/pkg/sse"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/metalks/metalks-client/pkg/conversation"

// Backend is the server surface the controller uses. *api.Client
// implements it.
type Backend interface {
	StreamTransport
	report.Checker
	Report(ctx context.Context, sessionID string) (*api.Report, error)
	CompleteSession(ctx context.Context, sessionID string) error
	SessionDetail(ctx context.Context, sessionID string) (*api.SessionDetail, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Config configures a Controller.
type Config struct {
	Observer Observer
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	// PollInterval is the report polling period. Default: report.DefaultInterval.
	PollInterval time.Duration

	// NewSessionID allocates session ids. Default: NewSessionID. Returning
	// "" lets the server assign the id on the first delta.
	NewSessionID func() string

	// ReadBufferSize is the raw read size for stream bodies.
	ReadBufferSize int
}

// NewSessionID returns a time-ordered UUIDv7 string.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Controller owns one conversation at a time.
//
// # Description
//
// All operations may be called from any goroutine. SendMessage and
// ExecuteTopicChange block until their stream ends; calling either while a
// stream is in flight supersedes it. The superseded call returns a Reply
// with Superseded set and no error, and none of its remaining events reach
// the observer.
type Controller struct {
	backend  Backend
	observer Observer
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	reader   *sse.ChunkReader
	poller   *report.Poller
	newID    func() string
	reports  singleflight.Group

	mu sync.Mutex

	state       State
	resumeState State

	active      bool
	sessionID   string
	mode        api.Mode
	topicID     int
	topicName   string
	topicTag    string
	history     []Turn
	unsaved     bool
	isFirst     bool
	reportReady bool
	pending     *PendingTopicChange

	stream        *StreamSession
	generation    uint64
	assistantOpen bool
	thinking      bool

	closed bool
}

// NewController creates an idle Controller with no session.
func NewController(backend Backend, cfg Config) *Controller {
	c := &Controller{
		backend:  backend,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(tracerName),
		newID:    cfg.NewSessionID,
	}
	if c.observer == nil {
		c.observer = NopObserver{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.newID == nil {
		c.newID = NewSessionID
	}

	decoder := sse.NewDecoder(
		sse.WithDecoderLogger(c.logger),
		sse.WithMalformedHook(func(string, error) { c.metrics.RecordMalformed() }),
	)
	c.reader = sse.NewChunkReader(decoder, cfg.ReadBufferSize, c.logger)
	c.poller = report.NewPoller(backend, report.Config{
		Interval:       cfg.PollInterval,
		OnReady:        c.handleReportReady,
		OnAuthRequired: c.handleAuthRequired,
		Logger:         c.logger,
		Metrics:        cfg.Metrics,
	})
	return c
}

// =============================================================================
// Topic changes
// =============================================================================

// RequestTopicChange switches to change, or stages it for confirmation.
//
// # Description
//
// With unsaved messages in the history the change is staged, the state
// becomes StateConfirmPending and Observer.OnConfirmTopicChange fires; the
// caller answers with ConfirmTopicChange. Otherwise the change is executed
// immediately.
//
// # Outputs
//
//   - bool: True if the change was applied now.
//   - error: From ExecuteTopicChange.
func (c *Controller) RequestTopicChange(ctx context.Context, change PendingTopicChange) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.unsaved && len(c.history) > 0 {
		staged := change
		if c.pending == nil {
			c.resumeState = c.state
		}
		c.pending = &staged
		c.setStateLocked(StateConfirmPending)
		c.observer.OnConfirmTopicChange(staged)
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()
	return true, c.ExecuteTopicChange(ctx, change)
}

// ConfirmTopicChange applies (accept) or drops the staged change.
func (c *Controller) ConfirmTopicChange(ctx context.Context, accept bool) error {
	c.mu.Lock()
	pending := c.pending
	if pending == nil {
		c.mu.Unlock()
		return ErrNoPendingChange
	}
	c.pending = nil
	if !accept {
		c.setStateLocked(c.resumeState)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.ExecuteTopicChange(ctx, *pending)
}

// ExecuteTopicChange starts a fresh session for change.
//
// # Description
//
// Cancels any in-flight stream, allocates a new session id (never equal to
// the previous one), clears history and flags, and restarts report polling
// for the new id. In topic mode the server speaks first, so an empty
// opening message is sent with is_first=true and this call waits for the
// reply. In casual mode the controller waits for user input.
func (c *Controller) ExecuteTopicChange(ctx context.Context, change PendingTopicChange) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.resetSessionLocked(change)
	if change.Casual {
		c.mu.Unlock()
		return nil
	}
	s := c.openStreamLocked(ctx, "", true, SendOptions{})
	c.mu.Unlock()

	_, err := c.runStream(s)
	return err
}

// =============================================================================
// Messages
// =============================================================================

// SendMessage sends text on the current session and waits for the reply.
//
// # Description
//
// Surrounding whitespace is trimmed; an empty message is ignored and
// returns (nil, nil). The user turn is appended immediately. With no
// current session a casual session is started first.
//
// # Outputs
//
//   - *Reply: The exchange result. Non-nil whenever a stream was opened.
//   - error: Transport failure or *ProtocolError. Also reported to
//     Observer.OnError. Cancellation and supersession are not errors.
func (c *Controller) SendMessage(ctx context.Context, text string) (*Reply, error) {
	return c.SendMessageWithOptions(ctx, text, SendOptions{})
}

// SendMessageWithOptions is SendMessage with per-message options.
func (c *Controller) SendMessageWithOptions(ctx context.Context, text string, opts SendOptions) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.active {
		c.resetSessionLocked(PendingTopicChange{Casual: true})
	}
	c.history = append(c.history, Turn{Role: sse.RoleUser, Content: text})
	c.unsaved = true
	c.observer.OnHistoryChanged(c.historyLocked())
	s := c.openStreamLocked(ctx, text, c.isFirst, opts)
	c.mu.Unlock()

	return c.runStream(s)
}

// =============================================================================
// Session lifecycle
// =============================================================================

// CompleteSession ends the current session on the server.
//
// Polling stops and any stream is cancelled before the request is made. On
// success the controller is left in StateCompleted with no session and an
// empty history.
func (c *Controller) CompleteSession(ctx context.Context) error {
	c.mu.Lock()
	if !c.active || c.sessionID == "" {
		c.mu.Unlock()
		return ErrNoSession
	}
	id := c.sessionID
	c.poller.Stop()
	c.cancelStreamLocked()
	c.setThinkingLocked(false)
	c.settleLocked(StateIdle)
	c.mu.Unlock()

	if err := c.backend.CompleteSession(ctx, id); err != nil {
		c.logger.Warn("complete session failed", "session_id", id, "error", err)
		return fmt.Errorf("complete session %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == id {
		c.clearSessionLocked(StateCompleted)
	}
	c.logger.Info("session completed", "session_id", id)
	return nil
}

// OpenSession loads a historical session and makes it current.
//
// A session whose report is ready fires Observer.OnReportReady at once; an
// in-progress session resumes polling; a completed session without a
// report does neither.
func (c *Controller) OpenSession(ctx context.Context, sessionID string) error {
	detail, err := c.backend.SessionDetail(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("open session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.cancelStreamLocked()
	c.poller.Stop()

	id := detail.ID
	if id == "" {
		id = sessionID
	}
	c.active = true
	c.sessionID = id
	c.mode = detail.Mode
	c.topicID = 0
	if detail.TopicID != nil {
		c.topicID = *detail.TopicID
	}
	c.topicName, c.topicTag = "", ""
	c.history = cloneTurns(detail.Messages)
	c.unsaved = false
	c.pending = nil
	c.isFirst = len(detail.Messages) == 0
	c.reportReady = detail.ReportReady

	c.setThinkingLocked(false)
	c.setStateLocked(StateIdle)
	c.observer.OnSessionChanged(c.snapshotLocked())
	c.observer.OnHistoryChanged(c.historyLocked())

	switch {
	case detail.ReportReady:
		c.observer.OnReportReady(id)
	case detail.Status == api.StatusInProgress:
		c.poller.Start(id)
	}
	c.logger.Info("session opened",
		"session_id", id,
		"messages", len(detail.Messages),
		"report_ready", detail.ReportReady,
	)
	return nil
}

// DeleteSession soft-deletes a session. Deleting the current session
// resets the controller to idle with no session.
func (c *Controller) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.backend.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active && c.sessionID == sessionID {
		c.cancelStreamLocked()
		c.poller.Stop()
		c.setThinkingLocked(false)
		c.clearSessionLocked(StateIdle)
	}
	return nil
}

// FetchReport retrieves report content. An empty sessionID means the
// current session. Concurrent calls for the same session share one request.
func (c *Controller) FetchReport(ctx context.Context, sessionID string) (*api.Report, error) {
	if sessionID == "" {
		c.mu.Lock()
		sessionID = c.sessionID
		c.mu.Unlock()
		if sessionID == "" {
			return nil, ErrNoSession
		}
	}

	// The shared request outlives any one caller; the client's request
	// timeout still bounds it.
	shared := context.WithoutCancel(ctx)
	ch := c.reports.DoChan(sessionID, func() (any, error) {
		return c.backend.Report(shared, sessionID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("fetch report %s: %w", sessionID, res.Err)
		}
		if res.Shared {
			c.logger.Debug("report fetch shared", "session_id", sessionID)
		}
		return res.Val.(*api.Report), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch report %s: %w", sessionID, ctx.Err())
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close cancels any stream and stops polling. Later operations return
// ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancelStreamLocked()
	c.poller.Stop()
	c.setThinkingLocked(false)
}

// =============================================================================
// Stream plumbing
// =============================================================================

// openStreamLocked supersedes any current stream and opens a new one.
func (c *Controller) openStreamLocked(ctx context.Context, message string, isFirst bool, opts SendOptions) *StreamSession {
	if c.stream != nil {
		c.logger.Debug("superseding stream",
			"session_id", c.sessionID,
			"generation", c.stream.generation,
		)
		c.stream.Cancel()
	}
	c.generation++

	req := api.ChatRequest{
		Mode:      c.mode,
		SessionID: c.sessionID,
		Message:   message,
		IsFirst:   isFirst,
		ForceEnd:  opts.ForceEnd,
	}
	if c.mode == api.ModeTopic {
		topicID := c.topicID
		req.TopicID = &topicID
	}

	ctx, _ = c.tracer.Start(ctx, "conversation.stream", trace.WithAttributes(
		attribute.String("metalks.session_id", c.sessionID),
		attribute.Int64("metalks.generation", int64(c.generation)),
		attribute.Bool("metalks.is_first", isFirst),
	))
	s := newStreamSession(ctx, c.generation, c.backend, c.reader, req)
	c.stream = s
	c.assistantOpen = false

	c.metrics.StreamStarted()
	c.settleLocked(StateSending)
	c.setThinkingLocked(true)
	c.logger.Info("stream opened",
		"session_id", c.sessionID,
		"generation", c.generation,
		"mode", c.mode.String(),
		"is_first", isFirst,
	)
	return s
}

func (c *Controller) runStream(s *StreamSession) (*Reply, error) {
	res, err := s.Run(func(ev sse.Event) error {
		return c.applyEvent(s, ev)
	})
	return c.finishStream(s, res, err)
}

// applyEvent folds one event into controller state if s is still current.
func (c *Controller) applyEvent(s *StreamSession, ev sse.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.generation != c.generation || s.Canceled() {
		return errStaleStream
	}
	c.metrics.RecordEvent(ev.Kind.String())

	switch ev.Kind {
	case sse.KindDelta:
		if c.sessionID == "" && ev.SessionID != "" {
			c.adoptSessionIDLocked(ev.SessionID)
		}
		if !c.assistantOpen {
			c.assistantOpen = true
			c.metrics.RecordTimeToFirstDelta(time.Since(s.started).Seconds())
			c.setThinkingLocked(false)
			c.settleLocked(StateStreaming)
			c.observer.OnAssistantStart()
		}
		c.observer.OnDelta(ev.Text)

	case sse.KindQuit:
		c.observer.OnQuit()

	case sse.KindEnd:
		c.setThinkingLocked(false)
		c.unsaved = false
		if ev.End.FullDialogue != nil {
			c.history = cloneTurns(ev.End.FullDialogue)
			s.dialogueReplaced = true
			c.observer.OnHistoryChanged(c.historyLocked())
		}
		c.observer.OnEnd(*ev.End)

	case sse.KindError:
		// Reported once the stream has wound down.
	}
	return nil
}

// finishStream settles controller state after s stopped.
func (c *Controller) finishStream(s *StreamSession, res StreamResult, err error) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply := &Reply{
		SessionID:     s.request.SessionID,
		Text:          res.Text,
		End:           res.End,
		QuitRequested: res.Quit,
	}
	elapsed := time.Since(s.started).Seconds()

	if s.generation != c.generation {
		reply.Canceled = true
		reply.Superseded = true
		c.metrics.StreamEnded(observability.OutcomeSuperseded, elapsed)
		endStreamSpan(s, string(observability.OutcomeSuperseded), nil)
		c.logger.Debug("superseded stream finished", "generation", s.generation, "bytes", len(res.Text))
		return reply, nil
	}

	c.stream = nil
	c.setThinkingLocked(false)
	if reply.SessionID == "" {
		reply.SessionID = c.sessionID
	}

	switch {
	case res.Canceled:
		reply.Canceled = true
		c.finalizeAssistantLocked(s, res.Text)
		c.settleLocked(StateIdle)
		c.metrics.StreamEnded(observability.OutcomeCanceled, elapsed)
		endStreamSpan(s, string(observability.OutcomeCanceled), nil)
		c.logger.Info("stream canceled", "session_id", c.sessionID, "generation", s.generation)
		return reply, nil

	case err != nil:
		err = fmt.Errorf("conversation stream: %w", err)
		c.settleLocked(StateIdle)
		c.metrics.StreamEnded(observability.OutcomeFailed, elapsed)
		endStreamSpan(s, string(observability.OutcomeFailed), err)
		c.logger.Warn("stream failed",
			"session_id", c.sessionID,
			"generation", s.generation,
			"kind", Classify(err).String(),
			"error", err,
		)
		c.observer.OnError(err)
		return reply, err

	case res.Fault != nil:
		c.settleLocked(StateIdle)
		c.metrics.StreamEnded(observability.OutcomeProtocolError, elapsed)
		endStreamSpan(s, string(observability.OutcomeProtocolError), res.Fault)
		c.logger.Warn("server reported stream error",
			"session_id", c.sessionID,
			"generation", s.generation,
			"code", res.Fault.Code,
		)
		c.observer.OnError(res.Fault)
		return reply, res.Fault
	}

	c.finalizeAssistantLocked(s, res.Text)
	c.isFirst = false
	if res.Deltas == 0 && res.End == nil && !res.Quit {
		reply.Empty = true
		c.logger.Warn("stream ended without content", "session_id", c.sessionID, "generation", s.generation)
	}
	c.settleLocked(StateIdle)
	c.metrics.StreamEnded(observability.OutcomeCompleted, elapsed)
	endStreamSpan(s, string(observability.OutcomeCompleted), nil)
	c.logger.Info("stream completed",
		"session_id", c.sessionID,
		"generation", s.generation,
		"deltas", res.Deltas,
		"ended", res.End != nil,
	)
	return reply, nil
}

func endStreamSpan(s *StreamSession, outcome string, err error) {
	s.span.SetAttributes(attribute.String("metalks.outcome", outcome))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

// finalizeAssistantLocked appends the accumulated reply unless an end event
// already replaced the history.
func (c *Controller) finalizeAssistantLocked(s *StreamSession, text string) {
	if s.dialogueReplaced || text == "" {
		return
	}
	c.history = append(c.history, Turn{Role: sse.RoleAssistant, Content: text})
	c.observer.OnHistoryChanged(c.historyLocked())
}

// cancelStreamLocked aborts the current stream; its late events are dropped.
func (c *Controller) cancelStreamLocked() {
	if c.stream == nil {
		return
	}
	c.stream.Cancel()
	c.stream = nil
	c.generation++
}

// =============================================================================
// State helpers
// =============================================================================

func (c *Controller) resetSessionLocked(change PendingTopicChange) {
	c.cancelStreamLocked()

	previous := c.sessionID
	id := c.newID()
	for attempts := 0; id != "" && id == previous; attempts++ {
		if attempts >= 3 {
			id = NewSessionID()
			break
		}
		id = c.newID()
	}

	c.active = true
	c.sessionID = id
	if change.Casual {
		c.mode = api.ModeCasual
		c.topicID, c.topicName, c.topicTag = 0, "", ""
	} else {
		c.mode = api.ModeTopic
		c.topicID, c.topicName, c.topicTag = change.TopicID, change.TopicName, change.TopicTag
	}
	c.history = nil
	c.unsaved = false
	c.pending = nil
	c.isFirst = true
	c.reportReady = false

	c.poller.Stop()
	if id != "" {
		c.poller.Start(id)
	}

	c.setThinkingLocked(false)
	c.setStateLocked(StateAwaitingFirstReply)
	c.observer.OnSessionChanged(c.snapshotLocked())
	c.observer.OnHistoryChanged(nil)
	c.logger.Info("session started",
		"session_id", id,
		"previous_session_id", previous,
		"mode", c.mode.String(),
		"topic_id", c.topicID,
	)
}

func (c *Controller) clearSessionLocked(next State) {
	c.active = false
	c.sessionID = ""
	c.mode = 0
	c.topicID, c.topicName, c.topicTag = 0, "", ""
	c.history = nil
	c.unsaved = false
	c.pending = nil
	c.isFirst = false
	c.reportReady = false
	c.setStateLocked(next)
	c.observer.OnSessionChanged(c.snapshotLocked())
	c.observer.OnHistoryChanged(nil)
}

func (c *Controller) adoptSessionIDLocked(id string) {
	c.sessionID = id
	c.poller.Start(id)
	c.observer.OnSessionChanged(c.snapshotLocked())
	c.logger.Info("session id assigned by server", "session_id", id)
}

func (c *Controller) setStateLocked(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.observer.OnStateChanged(from, to)
}

// settleLocked moves to next, or records it as the state to return to if a
// topic change is awaiting confirmation.
func (c *Controller) settleLocked(next State) {
	if c.pending != nil {
		c.resumeState = next
		return
	}
	c.setStateLocked(next)
}

func (c *Controller) setThinkingLocked(active bool) {
	if c.thinking == active {
		return
	}
	c.thinking = active
	c.observer.OnThinking(active)
}

func (c *Controller) historyLocked() []Turn {
	return cloneTurns(c.history)
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:   c.sessionID,
		Mode:        c.mode,
		TopicID:     c.topicID,
		TopicName:   c.topicName,
		TopicTag:    c.topicTag,
		State:       c.state,
		History:     c.historyLocked(),
		Unsaved:     c.unsaved,
		ReportReady: c.reportReady,
		Streaming:   c.stream != nil,
	}
	if c.pending != nil {
		p := *c.pending
		snap.Pending = &p
	}
	return snap
}

func cloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// =============================================================================
// Poller callbacks
// =============================================================================

func (c *Controller) handleReportReady(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || sessionID != c.sessionID {
		c.logger.Debug("ignoring report readiness for stale session", "session_id", sessionID)
		return
	}
	c.reportReady = true
	c.observer.OnReportReady(sessionID)
}

func (c *Controller) handleAuthRequired(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || sessionID != c.sessionID {
		return
	}
	c.observer.OnError(fmt.Errorf("report polling for %s: %w", sessionID, api.ErrUnauthorized))
}
