// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/conversation"
	"github.com/metalks/metalks-client/pkg/ux"
)

// wrapUpMessage is sent with force_end by /wrap.
const wrapUpMessage = "Let's wrap up here."

// errQuit ends the chat loop.
var errQuit = errors.New("quit")

// SessionLister lists sessions for /sessions. *api.Client implements it.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]api.SessionSummary, error)
}

// ChatRunnerConfig wires a ChatRunner.
type ChatRunnerConfig struct {
	Controller *conversation.Controller
	Sessions   SessionLister
	UI         ux.ChatUI
	Input      InputReader
	Confirmer  Confirmer
	Logger     *slog.Logger

	// PromptOut receives the prompt for readers that do not draw their
	// own. Default os.Stderr.
	PromptOut io.Writer
}

// StartOptions choose how the chat begins.
type StartOptions struct {
	TopicID   int
	TopicName string
	TopicTag  string
	Casual    bool
	Resume    string
}

// ChatRunner drives the interactive chat loop.
//
// # Description
//
// Plain input lines are sent as messages; lines starting with "/" are
// commands (see ux chat help). Streamed output reaches the terminal through
// the controller's observer, so the runner only prints command results.
// Ctrl+C while a reply streams cancels that reply and keeps what arrived.
//
// # Thread Safety
//
// Run must be called once, from one goroutine.
type ChatRunner struct {
	ctrl     *conversation.Controller
	sessions SessionLister
	ui       ux.ChatUI
	input    InputReader
	confirm  Confirmer
	logger   *slog.Logger
	prompt   io.Writer

	// lastSession is the most recently ended session, for /report.
	lastSession string
}

// NewChatRunner creates a runner.
func NewChatRunner(cfg ChatRunnerConfig) *ChatRunner {
	r := &ChatRunner{
		ctrl:     cfg.Controller,
		sessions: cfg.Sessions,
		ui:       cfg.UI,
		input:    cfg.Input,
		confirm:  cfg.Confirmer,
		logger:   cfg.Logger,
		prompt:   cfg.PromptOut,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.prompt == nil {
		r.prompt = os.Stderr
	}
	return r
}

// Run starts the conversation per start and loops until /quit, EOF or
// ctx is cancelled.
func (r *ChatRunner) Run(ctx context.Context, start StartOptions) error {
	if err := r.begin(ctx, start); err != nil {
		return err
	}

	for ctx.Err() == nil {
		if p, ok := r.input.(PromptingInputReader); ok {
			p.SetPrompt(r.ui.Prompt())
		} else {
			fmt.Fprint(r.prompt, r.ui.Prompt())
		}

		line, err := r.input.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		if err := r.handleLine(ctx, line); errors.Is(err, errQuit) {
			break
		}
	}

	r.ui.Goodbye(r.ctrl.Snapshot().SessionID)
	return nil
}

func (r *ChatRunner) begin(ctx context.Context, start StartOptions) error {
	switch {
	case start.Resume != "":
		if err := r.ctrl.OpenSession(ctx, start.Resume); err != nil {
			return err
		}
		r.ui.Header(r.ctrl.Snapshot())
		r.ui.Transcript(r.ctrl.Snapshot().History)
		return nil

	case start.TopicID != 0:
		r.ui.Header(conversation.Snapshot{Mode: api.ModeTopic, TopicID: start.TopicID, TopicName: start.TopicName, TopicTag: start.TopicTag})
		r.withInterrupt(ctx, func(ctx context.Context) {
			err := r.ctrl.ExecuteTopicChange(ctx, conversation.PendingTopicChange{
				TopicID:   start.TopicID,
				TopicName: start.TopicName,
				TopicTag:  start.TopicTag,
			})
			if err != nil {
				r.logger.Debug("topic opening failed", "topic_id", start.TopicID, "kind", conversation.Classify(err).String(), "error", err)
			}
		})
		return nil

	case start.Casual:
		if err := r.ctrl.ExecuteTopicChange(ctx, conversation.PendingTopicChange{Casual: true}); err != nil {
			return err
		}
		r.ui.Header(r.ctrl.Snapshot())
		return nil

	default:
		r.ui.Header(conversation.Snapshot{Mode: api.ModeCasual})
		return nil
	}
}

// handleLine dispatches one input line.
func (r *ChatRunner) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line, conversation.SendOptions{})
		return nil
	}

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		r.ui.Help()
	case "/topic":
		r.topicCommand(ctx, args)
	case "/casual":
		r.changeTopic(ctx, conversation.PendingTopicChange{Casual: true})
	case "/wrap":
		r.send(ctx, wrapUpMessage, conversation.SendOptions{ForceEnd: true})
	case "/end":
		r.endCommand(ctx)
	case "/report":
		r.reportCommand(ctx, args)
	case "/sessions":
		r.sessionsCommand(ctx)
	case "/open":
		r.openCommand(ctx, args)
	case "/history":
		r.ui.Transcript(r.ctrl.Snapshot().History)
	default:
		r.ui.Notice(fmt.Sprintf("Unknown command %s. Type /help for commands.", name))
	}
	return nil
}

// withInterrupt runs fn with a context that Ctrl+C cancels.
func (r *ChatRunner) withInterrupt(ctx context.Context, fn func(ctx context.Context)) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	fn(turnCtx)
}

// send streams one message. Failures reach the user through the observer.
func (r *ChatRunner) send(ctx context.Context, text string, opts conversation.SendOptions) {
	r.withInterrupt(ctx, func(ctx context.Context) {
		reply, err := r.ctrl.SendMessageWithOptions(ctx, text, opts)
		if err != nil {
			r.logger.Debug("message failed", "kind", conversation.Classify(err).String())
			return
		}
		if reply != nil && reply.Empty {
			r.ui.Notice("metalks had nothing to say. Try rephrasing.")
		}
	})
}

func (r *ChatRunner) topicCommand(ctx context.Context, args []string) {
	if len(args) < 2 {
		r.ui.Notice("Usage: /topic ID NAME [TAG]")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		r.ui.Notice(fmt.Sprintf("Topic id must be a positive number, got %q.", args[0]))
		return
	}
	change := conversation.PendingTopicChange{TopicID: id, TopicName: args[1]}
	if len(args) > 2 {
		change.TopicTag = args[2]
	}
	r.changeTopic(ctx, change)
}

// changeTopic applies change, asking first when unsaved messages would be
// discarded.
func (r *ChatRunner) changeTopic(ctx context.Context, change conversation.PendingTopicChange) {
	r.withInterrupt(ctx, func(ctx context.Context) {
		applied, err := r.ctrl.RequestTopicChange(ctx, change)
		if err != nil || applied {
			return
		}

		accept, err := r.confirm.Confirm("Switch conversation?", "Unsaved messages will be discarded.")
		if err != nil {
			r.ui.Error(err)
			accept = false
		}
		if err := r.ctrl.ConfirmTopicChange(ctx, accept); err != nil {
			r.logger.Debug("topic change failed", "error", err)
			return
		}
		if !accept {
			r.ui.Notice("Staying in the current conversation.")
		}
	})
}

func (r *ChatRunner) endCommand(ctx context.Context) {
	id := r.ctrl.Snapshot().SessionID
	if id == "" {
		r.ui.Notice("There is no conversation to end.")
		return
	}
	if err := r.ctrl.CompleteSession(ctx); err != nil {
		r.ui.Error(err)
		return
	}
	r.lastSession = id
	r.ui.Notice("Conversation ended. Your report is being prepared; type /report to read it.")
}

func (r *ChatRunner) reportCommand(ctx context.Context, args []string) {
	id := r.ctrl.Snapshot().SessionID
	if len(args) > 0 {
		id = args[0]
	}
	if id == "" {
		id = r.lastSession
	}
	if id == "" {
		r.ui.Notice("No session selected. Use /report ID.")
		return
	}
	report, err := r.ctrl.FetchReport(ctx, id)
	if err != nil {
		r.ui.Error(err)
		return
	}
	r.ui.Report(report)
}

func (r *ChatRunner) sessionsCommand(ctx context.Context) {
	sessions, err := r.sessions.ListSessions(ctx)
	if err != nil {
		r.ui.Error(err)
		return
	}
	r.ui.Sessions(sessions)
}

func (r *ChatRunner) openCommand(ctx context.Context, args []string) {
	if len(args) != 1 {
		r.ui.Notice("Usage: /open ID")
		return
	}
	if err := r.ctrl.OpenSession(ctx, args[0]); err != nil {
		r.ui.Error(err)
		return
	}
	r.ui.Transcript(r.ctrl.Snapshot().History)
}
