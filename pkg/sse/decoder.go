// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const (
	// DataPrefix starts every payload line.
	DataPrefix = "data:"

	// TerminatorPayload is the payload that closes the stream.
	TerminatorPayload = "[DONE]"

	// UnknownErrorCode is used when an error event has no error_code.
	UnknownErrorCode = "UNKNOWN"
)

// wireEvent is the union of every payload shape the server sends.
type wireEvent struct {
	Type             string  `json:"type"`
	Content          string  `json:"content"`
	SessionID        string  `json:"session_id"`
	ErrorCode        string  `json:"error_code"`
	Summary          string  `json:"summary"`
	TraitSummary     string  `json:"trait_summary"`
	HasOpinionReport bool    `json:"has_opinion_report"`
	OpinionReport    string  `json:"opinion_report"`
	FullDialogue     *[]Turn `json:"full_dialogue"`
}

// =============================================================================
// Decoder
// =============================================================================

// MalformedHook is called for every data line whose payload is not JSON.
type MalformedHook func(payload string, err error)

// Decoder classifies a single line into an Event.
//
// # Description
//
// Decoding never fails: comments, keepalives, blank separators, unknown
// payloads and malformed JSON are all reported as OutcomeSkip. Malformed
// JSON is logged at warn level and passed to the optional MalformedHook so
// callers can count it.
//
// # Assumptions
//
//   - Stateless apart from its hook and logger. Safe for concurrent use.
type Decoder struct {
	logger    *slog.Logger
	malformed MalformedHook
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger sets the logger used for malformed payload warnings.
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMalformedHook registers a callback for malformed payloads.
func WithMalformedHook(hook MalformedHook) DecoderOption {
	return func(d *Decoder) {
		d.malformed = hook
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode interprets one line.
//
// # Inputs
//
//   - line: A complete line without its terminator.
//
// # Outputs
//
//   - Event: Valid only when Outcome is OutcomeEvent.
//   - Outcome: Skip, Event or Terminate.
//
// # Examples
//
//	d.Decode(`data: {"content":"Hi"}`) // Event{Kind: KindDelta, Text: "Hi"}, OutcomeEvent
//	d.Decode(`data: [DONE]`)           // Event{}, OutcomeTerminate
//	d.Decode(`: keepalive`)            // Event{}, OutcomeSkip
func (d *Decoder) Decode(line string) (Event, Outcome) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, DataPrefix) {
		return Event{}, OutcomeSkip
	}
	payload := strings.TrimPrefix(line[len(DataPrefix):], " ")
	if payload == "" {
		return Event{}, OutcomeSkip
	}
	if payload == TerminatorPayload {
		return Event{}, OutcomeTerminate
	}

	var raw wireEvent
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		d.logger.Warn("skipping malformed stream payload", "bytes", len(payload), "error", err)
		if d.malformed != nil {
			d.malformed(payload, err)
		}
		return Event{}, OutcomeSkip
	}

	switch raw.Type {
	case "error":
		code := raw.ErrorCode
		if code == "" {
			code = UnknownErrorCode
		}
		return Event{Kind: KindError, Code: code, Message: raw.Content}, OutcomeEvent
	case "user_want_quit":
		return Event{Kind: KindQuit}, OutcomeEvent
	case "end":
		end := &EndPayload{
			Summary:          raw.Summary,
			TraitSummary:     raw.TraitSummary,
			HasOpinionReport: raw.HasOpinionReport,
			OpinionReport:    raw.OpinionReport,
		}
		if raw.FullDialogue != nil {
			end.FullDialogue = make([]Turn, len(*raw.FullDialogue))
			copy(end.FullDialogue, *raw.FullDialogue)
		}
		return Event{Kind: KindEnd, End: end}, OutcomeEvent
	default:
		if raw.Content == "" {
			return Event{}, OutcomeSkip
		}
		return Event{Kind: KindDelta, Text: raw.Content, SessionID: raw.SessionID}, OutcomeEvent
	}
}
