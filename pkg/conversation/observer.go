// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import "github.com/metalks/metalks-client/pkg/sse"

// Observer receives conversation notifications for presentation.
//
// # Description
//
// The Controller calls observers synchronously while holding its lock,
// which is what guarantees that no notification from a superseded stream
// can arrive after the stream that replaced it started. Implementations
// must return quickly and must not call Controller methods from inside a
// callback; hand work to another goroutine instead.
type Observer interface {
	// OnStateChanged reports every state transition.
	OnStateChanged(from, to State)

	// OnThinking toggles the "waiting for the first reply fragment" indicator.
	OnThinking(active bool)

	// OnAssistantStart precedes the first delta of an assistant turn.
	OnAssistantStart()

	// OnDelta delivers one fragment of assistant text.
	OnDelta(text string)

	// OnEnd delivers the end-of-conversation payload.
	OnEnd(end sse.EndPayload)

	// OnQuit reports that the server thinks the user wants to leave.
	OnQuit()

	// OnError reports a transport or protocol failure. Never called for
	// cancellation.
	OnError(err error)

	// OnHistoryChanged delivers a copy of the history after it changed.
	OnHistoryChanged(history []Turn)

	// OnConfirmTopicChange asks the user whether to discard unsaved history.
	// Answer with Controller.ConfirmTopicChange.
	OnConfirmTopicChange(change PendingTopicChange)

	// OnReportReady reports that the session's analysis report is available.
	OnReportReady(sessionID string)

	// OnSessionChanged reports a new, reset or opened session.
	OnSessionChanged(snapshot Snapshot)
}

// NopObserver ignores every notification. Embed it to implement only the
// methods you need.
type NopObserver struct{}

func (NopObserver) OnStateChanged(State, State) {}
func (NopObserver) OnThinking(bool) {}
func (NopObserver) OnAssistantStart() {}
func (NopObserver) OnDelta(string) {}
func (NopObserver) OnEnd(sse.EndPayload) {}
func (NopObserver) OnQuit() {}
func (NopObserver) OnError(error) {}
func (NopObserver) OnHistoryChanged([]Turn) {}
func (NopObserver) OnConfirmTopicChange(PendingTopicChange) {}
func (NopObserver) OnReportReady(string) {}
func (NopObserver) OnSessionChanged(Snapshot) {}

// ObserverFuncs adapts optional functions to Observer. Nil fields are
// ignored.
type ObserverFuncs struct {
	StateChanged       func(from, to State)
	Thinking           func(active bool)
	AssistantStart     func()
	Delta              func(text string)
	End                func(end sse.EndPayload)
	Quit               func()
	Error              func(err error)
	HistoryChanged     func(history []Turn)
	ConfirmTopicChange func(change PendingTopicChange)
	ReportReady        func(sessionID string)
	SessionChanged     func(snapshot Snapshot)
}

func (f ObserverFuncs) OnStateChanged(from, to State) {
	if f.StateChanged != nil {
		f.StateChanged(from, to)
	}
}

func (f ObserverFuncs) OnThinking(active bool) {
	if f.Thinking != nil {
		f.Thinking(active)
	}
}

func (f ObserverFuncs) OnAssistantStart() {
	if f.AssistantStart != nil {
		f.AssistantStart()
	}
}

func (f ObserverFuncs) OnDelta(text string) {
	if f.Delta != nil {
		f.Delta(text)
	}
}

func (f ObserverFuncs) OnEnd(end sse.EndPayload) {
	if f.End != nil {
		f.End(end)
	}
}

func (f ObserverFuncs) OnQuit() {
	if f.Quit != nil {
		f.Quit()
	}
}

func (f ObserverFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ObserverFuncs) OnHistoryChanged(history []Turn) {
	if f.HistoryChanged != nil {
		f.HistoryChanged(history)
	}
}

func (f ObserverFuncs) OnConfirmTopicChange(change PendingTopicChange) {
	if f.ConfirmTopicChange != nil {
		f.ConfirmTopicChange(change)
	}
}

func (f ObserverFuncs) OnReportReady(sessionID string) {
	if f.ReportReady != nil {
		f.ReportReady(sessionID)
	}
}

func (f ObserverFuncs) OnSessionChanged(snapshot Snapshot) {
	if f.SessionChanged != nil {
		f.SessionChanged(snapshot)
	}
}

var (
	_ Observer = NopObserver{}
	_ Observer = ObserverFuncs{}
)
