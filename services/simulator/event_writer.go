// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/metalks/metalks-client/pkg/sse"
)

// wireEvent is one event payload as the real server sends it.
type wireEvent struct {
	Type             string      `json:"type,omitempty"`
	Content          string      `json:"content,omitempty"`
	SessionID        string      `json:"session_id,omitempty"`
	ErrorCode        string      `json:"error_code,omitempty"`
	Summary          string      `json:"summary,omitempty"`
	TraitSummary     string      `json:"trait_summary,omitempty"`
	HasOpinionReport bool        `json:"has_opinion_report,omitempty"`
	OpinionReport    string      `json:"opinion_report,omitempty"`
	FullDialogue     *[]sse.Turn `json:"full_dialogue,omitempty"`
}

// EventWriter writes conversation events in event-stream framing.
//
// # Description
//
// Each event is one `data: {json}` line followed by a blank line and is
// flushed immediately so the client sees fragments as they are produced.
// WriteDone sends the `[DONE]` terminator.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized.
type EventWriter interface {
	WriteDelta(content, sessionID string) error
	WriteQuit() error
	WriteEnd(end sse.EndPayload) error
	WriteError(code, message string) error
	WriteDone() error
	WriteKeepAlive() error
}

type eventWriter struct {
	writer  io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewEventWriter wraps w, which must support http.Flusher.
func NewEventWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &eventWriter{writer: w, flusher: flusher}, nil
}

func (w *eventWriter) write(ev wireEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.writeRaw(string(data))
}

func (w *eventWriter) writeRaw(payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "%s %s\n\n", sse.DataPrefix, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *eventWriter) WriteDelta(content, sessionID string) error {
	return w.write(wireEvent{Content: content, SessionID: sessionID})
}

func (w *eventWriter) WriteQuit() error {
	return w.write(wireEvent{Type: "user_want_quit"})
}

func (w *eventWriter) WriteEnd(end sse.EndPayload) error {
	ev := wireEvent{
		Type:             "end",
		Summary:          end.Summary,
		TraitSummary:     end.TraitSummary,
		HasOpinionReport: end.HasOpinionReport,
		OpinionReport:    end.OpinionReport,
	}
	if end.FullDialogue != nil {
		dialogue := end.FullDialogue
		ev.FullDialogue = &dialogue
	}
	return w.write(ev)
}

func (w *eventWriter) WriteError(code, message string) error {
	return w.write(wireEvent{Type: "error", ErrorCode: code, Content: message})
}

func (w *eventWriter) WriteDone() error {
	return w.writeRaw(sse.TerminatorPayload)
}

// WriteKeepAlive sends a comment line, which clients ignore.
func (w *eventWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers for an event-stream response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
