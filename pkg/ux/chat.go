// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/conversation"
	"github.com/metalks/metalks-client/pkg/sse"
)

// ChatUI renders the static parts of the chat experience: header, help,
// transcripts, session listings and reports. Streaming output goes through
// ConversationRenderer.
type ChatUI interface {
	// Header displays the banner for the starting chat.
	Header(snap conversation.Snapshot)

	// Help lists the slash commands.
	Help()

	// Prompt returns the styled input prompt string.
	Prompt() string

	// Notice prints a short informational line.
	Notice(text string)

	// Error displays a command error.
	Error(err error)

	// Transcript prints a conversation history.
	Transcript(turns []conversation.Turn)

	// Sessions prints a session listing.
	Sessions(sessions []api.SessionSummary)

	// SessionDetail prints one session with its messages.
	SessionDetail(detail *api.SessionDetail)

	// ReportStatus prints a report readiness check.
	ReportStatus(status *api.ReportStatus)

	// Report prints report content, or a "not ready" notice.
	Report(report *api.Report)

	// Goodbye prints the exit line.
	Goodbye(sessionID string)
}

// terminalChatUI implements ChatUI for terminal output
type terminalChatUI struct {
	writer      io.Writer
	personality PersonalityLevel
}

// write ignores terminal write errors; there is no meaningful recovery.
func (u *terminalChatUI) write(format string, args ...any) {
	_, _ = fmt.Fprintf(u.writer, format, args...)
}

func (u *terminalChatUI) writeln(args ...any) {
	_, _ = fmt.Fprintln(u.writer, args...)
}

// NewChatUI creates a ChatUI on stdout with the process personality.
func NewChatUI() ChatUI {
	return &terminalChatUI{
		writer:      os.Stdout,
		personality: GetPersonality(),
	}
}

// NewChatUIWithWriter creates a ChatUI with a custom writer (for testing)
func NewChatUIWithWriter(w io.Writer, personality PersonalityLevel) ChatUI {
	return &terminalChatUI{
		writer:      w,
		personality: personality,
	}
}

// Header displays the chat banner.
//
// # Description
//
// Shows the conversation mode (topic name and tag, or casual), the session
// id when one exists and a hint about slash commands. Adapts output to the
// personality level.
func (u *terminalChatUI) Header(snap conversation.Snapshot) {
	switch u.personality {
	case PersonalityMachine:
		parts := []string{"mode=" + modeName(snap.Mode)}
		if snap.Mode == api.ModeTopic {
			parts = append(parts, fmt.Sprintf("topic_id=%d", snap.TopicID))
		}
		if snap.SessionID != "" {
			parts = append(parts, "session="+snap.SessionID)
		}
		u.write("CHAT_START: %s\n", strings.Join(parts, " "))

	case PersonalityMinimal:
		u.write("metalks (%s)\n", describeSession(snap))
		u.writeln("Type /help for commands.")

	default:
		var content strings.Builder
		content.WriteString(Styles.Highlight.Render("metalks"))
		content.WriteString("\n")
		if snap.Mode == api.ModeTopic {
			content.WriteString("Topic: " + Styles.Success.Render(topicLabel(snap.TopicID, snap.TopicName)))
			if snap.TopicTag != "" {
				content.WriteString(Styles.Muted.Render("  #" + snap.TopicTag))
			}
		} else {
			content.WriteString("Casual chat")
		}
		if snap.SessionID != "" {
			content.WriteString("\n")
			content.WriteString("Session: " + Styles.Muted.Render(snap.SessionID))
		}
		u.writeln(Styles.Box.Width(boxWidth).Render(content.String()))
		u.writeln(Styles.Muted.Render("Type /help for commands, /quit to leave."))
		u.writeln()
	}
}

var chatCommands = [][2]string{
	{"/topic ID NAME [TAG]", "start a topic conversation"},
	{"/casual", "start a casual chat"},
	{"/wrap", "ask metalks to wrap up the conversation"},
	{"/end", "finish this conversation and request a report"},
	{"/report [ID]", "show the report for this or another session"},
	{"/sessions", "list your sessions"},
	{"/open ID", "continue or review a past session"},
	{"/history", "print this conversation"},
	{"/quit", "leave (Ctrl+C cancels a reply in progress)"},
}

// Help lists the slash commands.
func (u *terminalChatUI) Help() {
	for _, c := range chatCommands {
		if u.personality == PersonalityMachine {
			u.write("COMMAND: %s\t%s\n", c[0], c[1])
			continue
		}
		u.write("  %-22s %s\n", Styles.Highlight.Render(c[0]), Styles.Muted.Render(c[1]))
	}
}

// Prompt returns the styled input prompt string
func (u *terminalChatUI) Prompt() string {
	if u.personality == PersonalityFull {
		return Styles.User.Render("you") + " " + Styles.Highlight.Render("> ")
	}
	return "> "
}

// Notice prints a short informational line.
func (u *terminalChatUI) Notice(text string) {
	switch u.personality {
	case PersonalityMachine:
		u.write("INFO: %s\n", text)
	case PersonalityMinimal:
		u.writeln(text)
	default:
		u.write("%s %s\n", Styles.Muted.Render("│"), text)
	}
}

// Error displays a command error.
func (u *terminalChatUI) Error(err error) {
	message := DescribeError(err)
	if u.personality == PersonalityMachine {
		u.write("ERROR: %s\n", message)
		return
	}
	u.write("%s %s\n", IconError.Render(), Styles.Error.Render(message))
}

// Transcript prints a conversation history.
func (u *terminalChatUI) Transcript(turns []conversation.Turn) {
	if len(turns) == 0 {
		u.Notice("No messages yet.")
		return
	}
	for _, turn := range turns {
		u.turn(turn)
	}
}

func (u *terminalChatUI) turn(turn conversation.Turn) {
	switch u.personality {
	case PersonalityMachine:
		u.write("%s: %s\n", strings.ToUpper(string(turn.Role)), strings.ReplaceAll(turn.Content, "\n", " "))
	case PersonalityMinimal:
		u.write("%s: %s\n", speaker(turn.Role), turn.Content)
	default:
		label := Styles.Assistant.Render(speaker(turn.Role))
		if turn.Role == sse.RoleUser {
			label = Styles.User.Render(speaker(turn.Role))
		}
		u.write("%s %s\n", label, turn.Content)
	}
}

// Sessions prints a session listing, newest first as the server returns it.
func (u *terminalChatUI) Sessions(sessions []api.SessionSummary) {
	if len(sessions) == 0 {
		u.Notice("No sessions yet.")
		return
	}
	for _, s := range sessions {
		topic := "-"
		if s.TopicID != nil {
			topic = fmt.Sprintf("%d", *s.TopicID)
		}
		switch u.personality {
		case PersonalityMachine:
			u.write("SESSION: id=%s mode=%s topic=%s status=%s report_ready=%t updated=%s\n",
				s.ID, modeName(s.Mode), topic, s.Status, s.ReportReady, s.UpdatedAt)
		default:
			status := IconPending.Render()
			if s.Status == api.StatusCompleted {
				status = IconSuccess.Render()
			}
			report := ""
			if s.ReportReady {
				report = " " + IconReport.Render()
			}
			u.write("%s %s  %-7s %s%s\n", status, s.ID, modeName(s.Mode), Styles.Muted.Render(s.UpdatedAt), report)
			if s.LastMessage != "" {
				u.write("    %s\n", Styles.Muted.Render(truncate(s.LastMessage, 64)))
			}
		}
	}
}

// SessionDetail prints one session with its messages.
func (u *terminalChatUI) SessionDetail(detail *api.SessionDetail) {
	if u.personality == PersonalityMachine {
		u.write("SESSION: id=%s mode=%s status=%s report_ready=%t messages=%d\n",
			detail.ID, modeName(detail.Mode), detail.Status, detail.ReportReady, len(detail.Messages))
	} else {
		u.write("%s %s (%s, %s)\n", Styles.Title.Render("Session"), detail.ID, modeName(detail.Mode), detail.Status)
	}
	for _, turn := range detail.Messages {
		u.turn(turn)
	}
}

// ReportStatus prints a readiness check.
func (u *terminalChatUI) ReportStatus(status *api.ReportStatus) {
	if u.personality == PersonalityMachine {
		u.write("REPORT_STATUS: session=%s ready=%t\n", status.SessionID, status.Ready)
		return
	}
	if status.Ready {
		u.write("%s Report for %s is ready.\n", IconReport.Render(), status.SessionID)
		return
	}
	u.write("%s Report for %s is still being prepared.\n", IconPending.Render(), status.SessionID)
}

// Report prints report content.
func (u *terminalChatUI) Report(report *api.Report) {
	if !report.Ready {
		if u.personality == PersonalityMachine {
			u.write("REPORT: session=%s ready=false\n", report.SessionID)
			return
		}
		u.write("%s The report is not ready yet. Try again shortly.\n", IconPending.Render())
		return
	}
	switch u.personality {
	case PersonalityMachine:
		u.write("REPORT: session=%s ready=true\n%s\n", report.SessionID, report.Report)
	case PersonalityMinimal:
		u.write("== Report ==\n%s\n", report.Report)
	default:
		u.writeln(Styles.ReportBox.Width(boxWidth).Render(Styles.Title.Render("Your report") + "\n\n" + report.Report))
	}
}

// Goodbye prints the exit line.
func (u *terminalChatUI) Goodbye(sessionID string) {
	if u.personality == PersonalityMachine {
		u.write("CHAT_END: session=%s\n", sessionID)
		return
	}
	if sessionID != "" {
		u.writeln(Styles.Muted.Render(fmt.Sprintf("Session %s saved. Resume with /open %s", sessionID, sessionID)))
	}
	u.writeln("Goodbye!")
}

func modeName(m api.Mode) string {
	switch m {
	case api.ModeTopic:
		return "topic"
	case api.ModeCasual:
		return "casual"
	default:
		return "-"
	}
}

func speaker(role sse.Role) string {
	if role == sse.RoleUser {
		return "you"
	}
	return "metalks"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
