// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/conversation"
	"github.com/metalks/metalks-client/pkg/sse"
)

// =============================================================================
// Conversation Renderer Tests
// =============================================================================

func TestConversationRenderer_MachineTurn(t *testing.T) {
	var buf bytes.Buffer
	r := NewConversationRenderer(&buf, PersonalityMachine)

	r.OnStateChanged(conversation.StateIdle, conversation.StateSending)
	r.OnThinking(true)
	r.OnThinking(false)
	r.OnStateChanged(conversation.StateSending, conversation.StateStreaming)
	r.OnAssistantStart()
	r.OnDelta("Hi")
	r.OnDelta(" there\nfriend")
	r.OnStateChanged(conversation.StateStreaming, conversation.StateIdle)

	want := "STATE: sending\nSTATE: streaming\nASSISTANT: Hi there friend\nSTATE: idle\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestConversationRenderer_QuitHintAfterTurn(t *testing.T) {
	var buf bytes.Buffer
	r := NewConversationRenderer(&buf, PersonalityMachine)

	r.OnAssistantStart()
	r.OnQuit()
	r.OnDelta("bye")
	r.OnStateChanged(conversation.StateStreaming, conversation.StateIdle)

	out := buf.String()
	if !strings.Contains(out, "ASSISTANT: bye\n") {
		t.Errorf("expected reply line, got %q", out)
	}
	if !strings.HasSuffix(out, "HINT: user_want_quit\nSTATE: idle\n") {
		t.Errorf("expected quit hint after the turn, got %q", out)
	}
}

func TestConversationRenderer_EndSummary(t *testing.T) {
	var buf bytes.Buffer
	r := NewConversationRenderer(&buf, PersonalityMinimal)

	r.OnAssistantStart()
	r.OnDelta("Thanks!")
	r.OnEnd(sse.EndPayload{Summary: "We talked about tea.", TraitSummary: "curious", HasOpinionReport: true})

	out := buf.String()
	for _, want := range []string{"metalks: Thanks!\n", "Conversation complete", "We talked about tea.", "curious", "report is being prepared"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestConversationRenderer_ErrorsDescribed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unauthorized", fmt.Errorf("x: %w", &api.StatusError{StatusCode: 401}), "Not signed in"},
		{"protocol", &conversation.ProtocolError{Code: "LLM_DOWN", Message: "model offline"}, "could not finish"},
		{"transport", errors.New("connection refused"), "Connection problem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := NewConversationRenderer(&buf, PersonalityMachine)
			r.OnAssistantStart()
			r.OnDelta("par")
			r.OnError(tt.err)

			out := buf.String()
			if !strings.Contains(out, "ASSISTANT: par\nERROR: ") {
				t.Errorf("error should start on a fresh line, got %q", out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("expected %q in %q", tt.want, out)
			}
		})
	}
}

func TestConversationRenderer_Handlers(t *testing.T) {
	var buf bytes.Buffer
	var confirmed conversation.PendingTopicChange
	var ready string
	r := NewConversationRenderer(&buf, PersonalityMachine,
		WithConfirmHandler(func(c conversation.PendingTopicChange) { confirmed = c }),
		WithReportReadyHandler(func(id string) { ready = id }),
	)

	r.OnConfirmTopicChange(conversation.PendingTopicChange{TopicID: 5, TopicName: "Travel"})
	r.OnReportReady("sess-1")

	if confirmed.TopicName != "Travel" {
		t.Errorf("confirm handler got %+v", confirmed)
	}
	if ready != "sess-1" {
		t.Errorf("report handler got %q", ready)
	}
	out := buf.String()
	if !strings.Contains(out, `CONFIRM: switch to topic "Travel"`) {
		t.Errorf("missing confirm line in %q", out)
	}
	if !strings.Contains(out, "REPORT_READY: sess-1\n") {
		t.Errorf("missing report line in %q", out)
	}
}

func TestConversationRenderer_SessionBanner(t *testing.T) {
	var buf bytes.Buffer
	r := NewConversationRenderer(&buf, PersonalityMinimal)

	r.OnSessionChanged(conversation.Snapshot{
		SessionID: "0190a6b2-7c1e-7f00-8000-123456789abc",
		Mode:      api.ModeTopic,
		TopicID:   3,
		TopicName: "Cities",
		TopicTag:  "travel",
		State:     conversation.StateAwaitingFirstReply,
	})
	r.OnSessionChanged(conversation.Snapshot{State: conversation.StateIdle})

	out := buf.String()
	if !strings.Contains(out, "-- topic Cities #travel · session 0190a6b2…9abc --") {
		t.Errorf("unexpected banner %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("cleared session should print nothing in minimal mode, got %q", out)
	}
}

func TestConversationRenderer_FullModeSpinner(t *testing.T) {
	var buf syncBuffer
	r := NewConversationRenderer(&buf, PersonalityFull)

	r.OnThinking(true)
	if !r.spinner.Running() {
		t.Fatal("spinner should run while thinking")
	}
	r.OnThinking(false)
	if r.spinner.Running() {
		t.Fatal("spinner should stop")
	}
	r.OnAssistantStart()
	r.OnDelta("hello")
	r.OnStateChanged(conversation.StateStreaming, conversation.StateIdle)

	if !strings.HasSuffix(buf.String(), "hello\n") {
		t.Errorf("expected streamed text, got %q", buf.String())
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(abc) = %q", got)
	}
	if got := shortID("0190a6b2-7c1e-7f00-8000-123456789abc"); got != "0190a6b2…9abc" {
		t.Errorf("shortID(uuid) = %q", got)
	}
}
