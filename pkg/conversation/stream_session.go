// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/sse"
	"go.opentelemetry.io/otel/trace"
)

// StreamTransport opens the event stream for one chat request.
// *api.Client implements it.
type StreamTransport interface {
	StreamChat(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error)
}

// StreamResult is what one stream produced.
type StreamResult struct {
	// Text is every delta concatenated in arrival order.
	Text string

	// Deltas counts content deltas.
	Deltas int

	End   *sse.EndPayload
	Quit  bool
	Fault *ProtocolError

	// Canceled is true if the session was cancelled before it finished.
	Canceled bool

	// FirstDelta is the latency to the first delta (zero if none arrived).
	FirstDelta time.Duration
}

// =============================================================================
// Stream Session
// =============================================================================

// StreamSession is one request/stream exchange.
//
// # Description
//
// A session owns its request, its bytes-to-events pipeline and its own
// cancellation token. Run opens the stream, accumulates assistant text and
// hands every event to the caller in order. Cancel may be called from any
// goroutine; it aborts the request and any blocked read.
//
// The Controller stamps each session with a generation number so events
// from a session that is no longer current can be recognized and dropped.
//
// # Assumptions
//
//   - Run is called at most once.
type StreamSession struct {
	generation uint64
	request    api.ChatRequest
	transport  StreamTransport
	reader     *sse.ChunkReader

	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time

	// dialogueReplaced is set under the Controller lock when an end event
	// replaced the history, so the accumulated reply must not be appended.
	dialogueReplaced bool
}

func newStreamSession(parent context.Context, generation uint64, transport StreamTransport, reader *sse.ChunkReader, req api.ChatRequest) *StreamSession {
	ctx, cancel := context.WithCancel(parent)
	return &StreamSession{
		generation: generation,
		request:    req,
		transport:  transport,
		reader:     reader,
		ctx:        ctx,
		cancel:     cancel,
		span:       trace.SpanFromContext(parent),
		started:    time.Now(),
	}
}

// Generation returns the controller generation this session was opened in.
func (s *StreamSession) Generation() uint64 {
	return s.generation
}

// Request returns the request this session sent.
func (s *StreamSession) Request() api.ChatRequest {
	return s.request
}

// Cancel aborts the session. Idempotent.
func (s *StreamSession) Cancel() {
	s.cancel()
}

// Canceled reports whether Cancel was called or the parent context ended.
func (s *StreamSession) Canceled() bool {
	return s.ctx.Err() != nil
}

// Run performs the exchange.
//
// # Inputs
//
//   - handle: Receives each event after it was folded into the result.
//     Returning an error stops the stream; errStaleStream is treated as
//     cancellation.
//
// # Outputs
//
//   - StreamResult: Always populated with what arrived, even on error.
//   - error: Transport failures only. Cancellation is reported through
//     StreamResult.Canceled and a server error event through
//     StreamResult.Fault, never as an error.
func (s *StreamSession) Run(handle func(sse.Event) error) (StreamResult, error) {
	defer s.cancel()

	var res StreamResult
	body, err := s.transport.StreamChat(s.ctx, s.request)
	if err != nil {
		if s.Canceled() {
			res.Canceled = true
			return res, nil
		}
		return res, fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()

	var text strings.Builder
	err = s.reader.Read(s.ctx, body, func(ev sse.Event) error {
		switch ev.Kind {
		case sse.KindDelta:
			if res.Deltas == 0 {
				res.FirstDelta = time.Since(s.started)
			}
			res.Deltas++
			text.WriteString(ev.Text)
		case sse.KindEnd:
			res.End = ev.End
		case sse.KindQuit:
			res.Quit = true
		case sse.KindError:
			res.Fault = &ProtocolError{Code: ev.Code, Message: ev.Message}
		}
		return handle(ev)
	})
	res.Text = text.String()

	if errors.Is(err, errStaleStream) || s.Canceled() {
		res.Canceled = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read stream: %w", err)
	}
	return res, nil
}
