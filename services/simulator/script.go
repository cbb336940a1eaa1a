// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package simulator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/sse"
)

// ErrorTrigger makes the simulator answer with an error event.
const ErrorTrigger = "!error"

// quitPhrases make the simulator emit user_want_quit before its reply.
var quitPhrases = []string{"bye", "goodbye", "quit", "see you"}

// reply is what one chat turn produces.
type reply struct {
	Text    string
	Quit    bool
	End     *sse.EndPayload
	FailErr string
}

// scriptReply decides the response for req given the session's turns so
// far (including the user turn being answered, if any).
func scriptReply(req api.ChatRequest, userTurns, turnsBeforeEnd int) reply {
	msg := strings.TrimSpace(req.Message)

	if msg == ErrorTrigger {
		return reply{FailErr: "simulated failure"}
	}

	if req.IsFirst && msg == "" {
		if req.Mode == api.ModeTopic && req.TopicID != nil {
			return reply{Text: fmt.Sprintf("Let's talk about topic %d. What comes to mind first?", *req.TopicID)}
		}
		return reply{Text: "Hi! What would you like to talk about?"}
	}

	r := reply{Text: fmt.Sprintf("You said %q. Tell me more.", msg)}
	lower := strings.ToLower(msg)
	for _, phrase := range quitPhrases {
		if strings.Contains(lower, phrase) {
			r.Quit = true
			r.Text = "It sounds like you might want to wrap up."
			break
		}
	}

	if req.ForceEnd || (turnsBeforeEnd > 0 && userTurns >= turnsBeforeEnd) {
		r.Text = "Thanks for the conversation."
		r.End = &sse.EndPayload{
			Summary:          fmt.Sprintf("You shared %d thoughts.", userTurns),
			TraitSummary:     "curious, reflective",
			HasOpinionReport: true,
		}
	}
	return r
}

// splitFragments cuts text into runs of at most size runes, the way a
// model streams tokens.
func splitFragments(text string, size int) []string {
	if size <= 0 {
		size = 8
	}
	var out []string
	for len(text) > 0 {
		n, i := 0, 0
		for i < len(text) && n < size {
			_, w := utf8.DecodeRuneInString(text[i:])
			i += w
			n++
		}
		out = append(out, text[:i])
		text = text[i:]
	}
	return out
}

func renderReport(sess *session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", sess.ID)
	fmt.Fprintf(&b, "Mode: %s\n", sess.Mode)
	fmt.Fprintf(&b, "Messages exchanged: %d\n", len(sess.Messages))
	b.WriteString("You come across as curious and reflective.")
	return b.String()
}
