// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/metalks/metalks-client/pkg/sse"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Mode selects how the server frames a conversation.
type Mode int

const (
	// ModeTopic binds the session to a topic; the server opens the dialogue.
	ModeTopic Mode = 1

	// ModeCasual is free conversation; the user speaks first.
	ModeCasual Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeTopic:
		return "topic"
	case ModeCasual:
		return "casual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ChatRequest is the body of POST /chat/stream.
type ChatRequest struct {
	Mode      Mode   `json:"mode" validate:"oneof=1 2"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	TopicID   *int   `json:"topic_id,omitempty" validate:"required_if=Mode 1"`
	IsFirst   bool   `json:"is_first"`
	ForceEnd  bool   `json:"force_end,omitempty"`
}

// Validate checks the request before it is sent.
func (r *ChatRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid chat request: %w", err)
	}
	return nil
}

// ReportStatus is returned by GET /sessions/{id}/report_status.
type ReportStatus struct {
	Ready     bool   `json:"ready"`
	SessionID string `json:"session_id"`
}

// Report is returned by GET /sessions/{id}/report. Ready is false when the
// server answered 202.
type Report struct {
	Ready     bool   `json:"ready"`
	Report    string `json:"report"`
	SessionID string `json:"session_id"`
}

// SessionStatus is the lifecycle state the server stores for a session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
)

// SessionSummary is one entry of GET /sessions.
type SessionSummary struct {
	ID          string        `json:"id"`
	Mode        Mode          `json:"mode"`
	TopicID     *int          `json:"topic_id"`
	Status      SessionStatus `json:"status"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
	LastMessage string        `json:"last_message"`
	ReportReady bool          `json:"report_ready"`
}

// SessionDetail is returned by GET /sessions/{id}.
type SessionDetail struct {
	ID          string        `json:"id"`
	Mode        Mode          `json:"mode"`
	TopicID     *int          `json:"topic_id"`
	Status      SessionStatus `json:"status"`
	ReportReady bool          `json:"report_ready"`
	Messages    []sse.Turn    `json:"messages"`
}
