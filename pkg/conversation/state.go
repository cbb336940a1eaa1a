// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/sse"
)

// Turn is one message of the conversation history.
type Turn = sse.Turn

// State is the controller's lifecycle state.
//
//	Idle ──RequestTopicChange──► ConfirmPending (unsaved) ──confirm──► AwaitingFirstReply
//	 │                                                                        │
//	 └──SendMessage──► Sending ──first delta──► Streaming ──end/EOF──► Idle ◄─┘
//
// Completed follows an explicit CompleteSession and behaves like Idle with
// no current session.
type State int

const (
	StateIdle State = iota
	StateAwaitingFirstReply
	StateConfirmPending
	StateSending
	StateStreaming
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstReply:
		return "awaiting_first_reply"
	case StateConfirmPending:
		return "confirm_pending"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// PendingTopicChange describes the session the user asked to switch to.
// Casual ignores the topic fields.
type PendingTopicChange struct {
	TopicID   int
	TopicName string
	TopicTag  string
	Casual    bool
}

// Snapshot is a read-only copy of controller state.
type Snapshot struct {
	SessionID   string
	Mode        api.Mode
	TopicID     int
	TopicName   string
	TopicTag    string
	State       State
	History     []Turn
	Unsaved     bool
	Pending     *PendingTopicChange
	ReportReady bool
	Streaming   bool
}

// Reply is the result of one request/stream exchange.
type Reply struct {
	// SessionID is the session the stream belonged to.
	SessionID string

	// Text is the assistant text accumulated by the stream.
	Text string

	// Canceled is true if the stream was cancelled or superseded before it
	// finished. A superseded reply's text is never added to history.
	Canceled bool

	// Superseded is true if a newer stream replaced this one.
	Superseded bool

	// End is the end payload, if the server ended the conversation.
	End *sse.EndPayload

	// QuitRequested is true if the server saw the user wants to leave.
	QuitRequested bool

	// Empty is true if the stream finished without any delta, end or quit.
	Empty bool
}

// SendOptions tunes a single outgoing message.
type SendOptions struct {
	// ForceEnd asks the server to wrap up the conversation.
	ForceEnd bool
}
