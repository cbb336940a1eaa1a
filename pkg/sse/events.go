// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sse turns a metalks chat response body into typed events.
//
// The pipeline has three stages, each usable on its own:
//
//	raw chunks ──► Reassembler ──► lines ──► Decoder ──► Event
//	                    ▲                                  │
//	                    └──────────── ChunkReader ─────────┘
//
// Wire format (one event per line, blank separators ignored):
//
//	data: {"type":"token","content":"Hel","session_id":"0193..."}
//	data: {"type":"user_want_quit"}
//	data: {"type":"end","summary":"...","full_dialogue":[...]}
//	data: {"type":"error","error_code":"LLM_TIMEOUT","content":"..."}
//	data: [DONE]
//
// Single Responsibility:
//
//	This package only parses. It performs no rendering and keeps no
//	conversation state.
package sse

// Role identifies the author of a dialogue turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// EventKind discriminates Event.
type EventKind int

const (
	// KindDelta carries an incremental fragment of assistant text.
	KindDelta EventKind = iota

	// KindEnd marks normal conversation end with optional summary data.
	KindEnd

	// KindQuit signals that the server detected the user wants to leave.
	// It does not end the stream.
	KindQuit

	// KindError is a server-reported fault. It ends the stream.
	KindError
)

// String returns the wire-ish name of the kind, used as a metrics label.
func (k EventKind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindEnd:
		return "end"
	case KindQuit:
		return "quit"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// EndPayload is the data attached to an end event.
//
// FullDialogue is nil when the server omitted it and non-nil (possibly
// empty) when present; a present dialogue is authoritative.
type EndPayload struct {
	Summary          string `json:"summary,omitempty"`
	TraitSummary     string `json:"trait_summary,omitempty"`
	HasOpinionReport bool   `json:"has_opinion_report,omitempty"`
	OpinionReport    string `json:"opinion_report,omitempty"`
	FullDialogue     []Turn `json:"full_dialogue,omitempty"`
}

// Event is a single decoded stream event.
//
// Only the fields relevant to Kind are populated:
//
//	KindDelta: Text, SessionID (optional)
//	KindEnd:   End
//	KindQuit:  none
//	KindError: Code, Message
type Event struct {
	Kind EventKind

	// Index is the zero-based position of the event within its stream.
	// Set by ChunkReader.
	Index int

	Text      string
	SessionID string

	End *EndPayload

	Code    string
	Message string
}

// Outcome is the result of decoding one line.
type Outcome int

const (
	// OutcomeSkip means the line carried nothing to deliver.
	OutcomeSkip Outcome = iota

	// OutcomeEvent means the returned Event is valid.
	OutcomeEvent

	// OutcomeTerminate means the server closed the event stream.
	OutcomeTerminate
)
