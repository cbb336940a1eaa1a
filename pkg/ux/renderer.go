// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/conversation"
	"github.com/metalks/metalks-client/pkg/sse"
)

// =============================================================================
// Conversation Renderer
// =============================================================================

// ConversationRenderer renders controller notifications to a terminal.
//
// # Description
//
// ConversationRenderer implements conversation.Observer. Assistant text is
// printed fragment by fragment as it arrives; the thinking indicator is a
// Spinner in full mode. Requests that need user interaction (topic change
// confirmation, report readiness) are forwarded to handlers, which must
// not block: the controller calls observers while holding its lock.
//
// Personality Modes:
//
//   - PersonalityFull: Spinner, colored speaker labels, boxed end summary
//   - PersonalityMinimal: Plain labels and text
//   - PersonalityMachine: KEY: value lines for scripting
//
// # Thread Safety
//
// All methods are protected by a mutex.
type ConversationRenderer struct {
	writer      io.Writer
	personality PersonalityLevel
	spinner     *Spinner

	onConfirm     func(conversation.PendingTopicChange)
	onReportReady func(sessionID string)

	mu       sync.Mutex
	midLine  bool
	quitHint bool
}

// RendererOption configures a ConversationRenderer.
type RendererOption func(*ConversationRenderer)

// WithConfirmHandler is called when a topic change needs confirmation.
func WithConfirmHandler(fn func(conversation.PendingTopicChange)) RendererOption {
	return func(r *ConversationRenderer) { r.onConfirm = fn }
}

// WithReportReadyHandler is called when a session's report becomes available.
func WithReportReadyHandler(fn func(sessionID string)) RendererOption {
	return func(r *ConversationRenderer) { r.onReportReady = fn }
}

// NewConversationRenderer creates a renderer writing to w (default
// os.Stdout).
func NewConversationRenderer(w io.Writer, personality PersonalityLevel, opts ...RendererOption) *ConversationRenderer {
	if w == nil {
		w = os.Stdout
	}
	r := &ConversationRenderer{writer: w, personality: personality}
	if personality == PersonalityFull {
		r.spinner = NewSpinner(w, "thinking...")
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStateChanged closes the assistant line when a turn settles.
func (r *ConversationRenderer) OnStateChanged(from, to conversation.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch to {
	case conversation.StateIdle, conversation.StateCompleted, conversation.StateAwaitingFirstReply:
		if from == conversation.StateStreaming || from == conversation.StateSending {
			r.finishTurnLocked()
		}
	}
	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "STATE: %s\n", to)
	}
}

// OnThinking toggles the spinner.
func (r *ConversationRenderer) OnThinking(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.spinner == nil {
		return
	}
	if active {
		r.spinner.Start()
	} else {
		r.spinner.Stop()
	}
}

// OnAssistantStart prints the assistant label.
func (r *ConversationRenderer) OnAssistantStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.personality {
	case PersonalityMachine:
		fmt.Fprint(r.writer, "ASSISTANT: ")
	case PersonalityMinimal:
		fmt.Fprint(r.writer, "metalks: ")
	default:
		fmt.Fprint(r.writer, Styles.Assistant.Render("metalks")+" ")
	}
	r.midLine = true
}

// OnDelta prints one fragment of assistant text.
func (r *ConversationRenderer) OnDelta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.personality == PersonalityMachine {
		text = strings.ReplaceAll(text, "\n", " ")
	}
	fmt.Fprint(r.writer, text)
	r.midLine = true
}

// OnEnd prints the conversation summary.
func (r *ConversationRenderer) OnEnd(end sse.EndPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endLineLocked()
	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "END: summary=%q traits=%q report=%t\n", end.Summary, end.TraitSummary, end.HasOpinionReport)
		return
	}

	var content strings.Builder
	if end.Summary != "" {
		content.WriteString(end.Summary)
	}
	if end.TraitSummary != "" {
		if content.Len() > 0 {
			content.WriteString("\n\n")
		}
		content.WriteString(Styles.Muted.Render("Traits: ") + end.TraitSummary)
	}
	if end.HasOpinionReport {
		if content.Len() > 0 {
			content.WriteString("\n\n")
		}
		content.WriteString(Styles.Muted.Render("Your report is being prepared. You'll be told when it is ready."))
	}
	if content.Len() == 0 {
		content.WriteString("The conversation has ended.")
	}

	if r.personality == PersonalityMinimal {
		fmt.Fprintf(r.writer, "\n== Conversation complete ==\n%s\n\n", content.String())
		return
	}
	fmt.Fprintln(r.writer)
	fmt.Fprintln(r.writer, Styles.Box.Width(boxWidth).Render(Styles.Title.Render("Conversation complete")+"\n"+content.String()))
	fmt.Fprintln(r.writer)
}

// OnQuit schedules the "wrap up" hint for the end of the turn.
func (r *ConversationRenderer) OnQuit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quitHint = true
}

// OnError prints a failure in user terms.
func (r *ConversationRenderer) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.spinner != nil {
		r.spinner.Stop()
	}
	r.endLineLocked()
	r.quitHint = false

	message := DescribeError(err)
	switch r.personality {
	case PersonalityMachine:
		fmt.Fprintf(r.writer, "ERROR: %s\n", message)
	case PersonalityMinimal:
		fmt.Fprintf(r.writer, "%s %s\n", IconError, message)
	default:
		fmt.Fprintf(r.writer, "%s %s\n", IconError.Render(), Styles.Error.Render(message))
	}
}

// OnHistoryChanged is a no-op; text is rendered as it streams.
func (r *ConversationRenderer) OnHistoryChanged([]conversation.Turn) {}

// OnConfirmTopicChange prints the warning and forwards to the handler.
func (r *ConversationRenderer) OnConfirmTopicChange(change conversation.PendingTopicChange) {
	r.mu.Lock()
	r.endLineLocked()
	target := "a casual chat"
	if !change.Casual {
		target = fmt.Sprintf("topic %q", topicLabel(change.TopicID, change.TopicName))
	}
	switch r.personality {
	case PersonalityMachine:
		fmt.Fprintf(r.writer, "CONFIRM: switch to %s discards unsaved messages\n", target)
	default:
		fmt.Fprintf(r.writer, "%s Switching to %s discards this conversation's unsaved messages.\n", IconWarning.Render(), target)
	}
	handler := r.onConfirm
	r.mu.Unlock()

	if handler != nil {
		handler(change)
	}
}

// OnReportReady announces the report and forwards to the handler.
func (r *ConversationRenderer) OnReportReady(sessionID string) {
	r.mu.Lock()
	r.endLineLocked()
	switch r.personality {
	case PersonalityMachine:
		fmt.Fprintf(r.writer, "REPORT_READY: %s\n", sessionID)
	default:
		fmt.Fprintf(r.writer, "%s Your report is ready. Type /report to read it.\n", IconReport.Render())
	}
	handler := r.onReportReady
	r.mu.Unlock()

	if handler != nil {
		handler(sessionID)
	}
}

// OnSessionChanged prints a one-line session banner.
func (r *ConversationRenderer) OnSessionChanged(snap conversation.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endLineLocked()
	if snap.SessionID == "" && snap.State != conversation.StateAwaitingFirstReply {
		if r.personality == PersonalityMachine {
			fmt.Fprintln(r.writer, "SESSION: none")
		}
		return
	}
	desc := describeSession(snap)
	switch r.personality {
	case PersonalityMachine:
		fmt.Fprintf(r.writer, "SESSION: id=%s mode=%s\n", snap.SessionID, snap.Mode)
	case PersonalityMinimal:
		fmt.Fprintf(r.writer, "-- %s --\n", desc)
	default:
		fmt.Fprintln(r.writer, Styles.Muted.Render("── "+desc+" ──"))
	}
}

func (r *ConversationRenderer) finishTurnLocked() {
	r.endLineLocked()
	if r.quitHint {
		r.quitHint = false
		switch r.personality {
		case PersonalityMachine:
			fmt.Fprintln(r.writer, "HINT: user_want_quit")
		default:
			fmt.Fprintln(r.writer, Styles.Muted.Render("Sounds like you want to wrap up. Type /end to finish and get your report."))
		}
	}
}

func (r *ConversationRenderer) endLineLocked() {
	if r.midLine {
		fmt.Fprintln(r.writer)
		r.midLine = false
	}
}

var _ conversation.Observer = (*ConversationRenderer)(nil)

// DescribeError turns a conversation error into a one-line user message.
func DescribeError(err error) string {
	switch conversation.Classify(err) {
	case conversation.KindUnauthorized:
		return "Not signed in or session expired. Set access_token in your config."
	case conversation.KindNotFound:
		return "That session no longer exists."
	case conversation.KindProtocol:
		return fmt.Sprintf("The server could not finish the reply: %v", err)
	case conversation.KindCanceled:
		return "Canceled."
	default:
		return fmt.Sprintf("Connection problem: %v", err)
	}
}

func describeSession(snap conversation.Snapshot) string {
	if snap.Mode == api.ModeTopic {
		label := "topic " + topicLabel(snap.TopicID, snap.TopicName)
		if snap.TopicTag != "" {
			label += " #" + snap.TopicTag
		}
		return withSessionID(label, snap.SessionID)
	}
	return withSessionID("casual chat", snap.SessionID)
}

func withSessionID(label, id string) string {
	if id == "" {
		return label
	}
	return fmt.Sprintf("%s · session %s", label, shortID(id))
}

func topicLabel(id int, name string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("#%d", id)
}

// shortID trims long ids for display.
func shortID(id string) string {
	if len(id) <= 13 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}
