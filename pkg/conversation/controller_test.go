// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/observability"
	"github.com/metalks/metalks-client/pkg/sse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test doubles
// =============================================================================

type streamFunc func(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error)

// fakeBackend scripts server behaviour. Streams are consumed in order; the
// last one repeats.
type fakeBackend struct {
	mu           sync.Mutex
	streams      []streamFunc
	requests     []api.ChatRequest
	reportStatus func(id string) (*api.ReportStatus, error)
	report       func(ctx context.Context, id string) (*api.Report, error)
	details      map[string]*api.SessionDetail
	completeErr  error
	completed    []string
	deleted      []string
	reportCalls  atomic.Int32
}

func (b *fakeBackend) StreamChat(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	i := len(b.requests) - 1
	if i >= len(b.streams) {
		i = len(b.streams) - 1
	}
	fn := b.streams[i]
	b.mu.Unlock()
	return fn(ctx, req)
}

func (b *fakeBackend) ReportStatus(_ context.Context, id string) (*api.ReportStatus, error) {
	if b.reportStatus == nil {
		return &api.ReportStatus{Ready: false, SessionID: id}, nil
	}
	return b.reportStatus(id)
}

func (b *fakeBackend) Report(ctx context.Context, id string) (*api.Report, error) {
	b.reportCalls.Add(1)
	if b.report == nil {
		return &api.Report{Ready: true, Report: "report for " + id, SessionID: id}, nil
	}
	return b.report(ctx, id)
}

func (b *fakeBackend) CompleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completeErr != nil {
		return b.completeErr
	}
	b.completed = append(b.completed, id)
	return nil
}

func (b *fakeBackend) SessionDetail(_ context.Context, id string) (*api.SessionDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.details[id]
	if !ok {
		return nil, &api.StatusError{StatusCode: 404, Method: "GET", Path: "/sessions/" + id}
	}
	return d, nil
}

func (b *fakeBackend) DeleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *fakeBackend) Requests() []api.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.ChatRequest(nil), b.requests...)
}

// lines builds an event stream body from payload lines.
func lines(payloads ...string) streamFunc {
	return func(context.Context, api.ChatRequest) (io.ReadCloser, error) {
		var b strings.Builder
		for _, p := range payloads {
			b.WriteString("data: " + p + "\n\n")
		}
		return io.NopCloser(strings.NewReader(b.String())), nil
	}
}

// heldStream writes prefix, then blocks until ctx ends, like a real HTTP
// body whose request context was cancelled.
func heldStream(prefix string) streamFunc {
	return func(ctx context.Context, _ api.ChatRequest) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = io.WriteString(pw, prefix)
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}
}

// failingBody returns data then a read error.
type failingBody struct {
	data string
	err  error
	done bool
}

func (f *failingBody) Read(p []byte) (int, error) {
	if !f.done {
		f.done = true
		return copy(p, f.data), nil
	}
	return 0, f.err
}

func (f *failingBody) Close() error { return nil }

// recorder captures observer notifications in order.
type recorder struct {
	mu      sync.Mutex
	events  []string
	errs    []error
	history []Turn
	deltas  chan string
	ready   chan string
	confirm chan PendingTopicChange
}

func newRecorder() *recorder {
	return &recorder{
		deltas:  make(chan string, 64),
		ready:   make(chan string, 8),
		confirm: make(chan PendingTopicChange, 8),
	}
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnStateChanged(from, to State) { r.add("state:" + to.String()) }
func (r *recorder) OnThinking(active bool)        { r.add(fmt.Sprintf("thinking:%v", active)) }
func (r *recorder) OnAssistantStart()             { r.add("start") }
func (r *recorder) OnQuit()                       { r.add("quit") }

func (r *recorder) OnDelta(text string) {
	r.add("delta:" + text)
	r.deltas <- text
}

func (r *recorder) OnEnd(end sse.EndPayload) { r.add("end:" + end.Summary) }

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("error")
}

func (r *recorder) OnHistoryChanged(history []Turn) {
	r.mu.Lock()
	r.history = history
	r.mu.Unlock()
}

func (r *recorder) OnConfirmTopicChange(change PendingTopicChange) {
	r.add("confirm")
	r.confirm <- change
}

func (r *recorder) OnReportReady(id string) {
	r.add("report:" + id)
	r.ready <- id
}

func (r *recorder) OnSessionChanged(Snapshot) { r.add("session") }

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, backend *fakeBackend) (*Controller, *recorder) {
	t.Helper()
	rec := newRecorder()
	c := NewController(backend, Config{
		Observer:     rec,
		Logger:       quietLogger(),
		PollInterval: time.Hour,
	})
	t.Cleanup(c.Close)
	return c, rec
}

// =============================================================================
// SendMessage
// =============================================================================

func TestController_SendMessage_FinalizesConcatenatedDeltas(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{
		lines(`{"type":"token","content":"Hi"}`, `{"type":"token","content":" there"}`, `{"type":"end"}`, `[DONE]`),
	}}
	c, rec := newTestController(t, backend)

	reply, err := c.SendMessage(context.Background(), "  hello  ")
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "Hi there", reply.Text)
	assert.False(t, reply.Canceled)
	assert.NotNil(t, reply.End)

	snap := c.Snapshot()
	assert.Equal(t, []Turn{
		{Role: sse.RoleUser, Content: "hello"},
		{Role: sse.RoleAssistant, Content: "Hi there"},
	}, snap.History)
	assert.False(t, snap.Unsaved, "end event clears unsaved")
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, api.ModeCasual, snap.Mode)
	assert.NotEmpty(t, snap.SessionID)

	assert.Equal(t, []string{
		"state:awaiting_first_reply", "session",
		"state:sending", "thinking:true",
		"thinking:false", "state:streaming", "start", "delta:Hi", "delta: there",
		"end:", "state:idle",
	}, rec.Events())

	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello", reqs[0].Message)
	assert.True(t, reqs[0].IsFirst)
	assert.Nil(t, reqs[0].TopicID)
}

func TestController_SendMessage_IsFirstOnlyOnce(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"ok"}`)}}
	c, _ := newTestController(t, backend)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "one")
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, "two")
	require.NoError(t, err)

	reqs := backend.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].IsFirst)
	assert.False(t, reqs[1].IsFirst)
	assert.Equal(t, reqs[0].SessionID, reqs[1].SessionID)
	assert.True(t, c.Snapshot().Unsaved, "no end event: unsaved stays set")
}

func TestController_SendMessage_EmptyIgnored(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"x"}`)}}
	c, rec := newTestController(t, backend)

	reply, err := c.SendMessage(context.Background(), " \n\t ")
	assert.NoError(t, err)
	assert.Nil(t, reply)
	assert.Empty(t, backend.Requests())
	assert.Empty(t, rec.Events())
}

func TestController_SendMessage_ForceEndForwarded(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"type":"end","summary":"bye"}`)}}
	c, _ := newTestController(t, backend)

	_, err := c.SendMessageWithOptions(context.Background(), "wrap up", SendOptions{ForceEnd: true})
	require.NoError(t, err)
	assert.True(t, backend.Requests()[0].ForceEnd)
}

func TestController_EndFullDialogueReplacesHistory(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(
		`{"content":"local text"}`,
		`{"type":"end","summary":"s","full_dialogue":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`,
		`[DONE]`,
	)}}
	c, rec := newTestController(t, backend)

	_, err := c.SendMessage(context.Background(), "question")
	require.NoError(t, err)

	want := []Turn{{Role: sse.RoleUser, Content: "a"}, {Role: sse.RoleAssistant, Content: "b"}}
	assert.Equal(t, want, c.Snapshot().History)
	rec.mu.Lock()
	assert.Equal(t, want, rec.history)
	rec.mu.Unlock()
}

func TestController_QuitDoesNotEndStream(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(
		`{"type":"user_want_quit"}`, `{"content":"goodbye"}`, `[DONE]`,
	)}}
	c, rec := newTestController(t, backend)

	reply, err := c.SendMessage(context.Background(), "bye")
	require.NoError(t, err)
	assert.True(t, reply.QuitRequested)
	assert.Equal(t, "goodbye", reply.Text)
	assert.Equal(t, 1, rec.count("quit"))
	assert.Len(t, c.Snapshot().History, 2)
}

func TestController_EmptyStreamFlagged(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`[DONE]`)}}
	c, _ := newTestController(t, backend)

	reply, err := c.SendMessage(context.Background(), "hello?")
	require.NoError(t, err)
	assert.True(t, reply.Empty)
	assert.Len(t, c.Snapshot().History, 1)
}

// -----------------------------------------------------------------------------
// Supersession & cancellation
// -----------------------------------------------------------------------------

func TestController_SupersessionDiscardsFirstStream(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{
		heldStream("data: {\"content\":\"partial\"}\n\n"),
		lines(`{"content":"fresh"}`, `{"type":"end","summary":"second"}`, `[DONE]`),
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	rec := newRecorder()
	c := NewController(backend, Config{Observer: rec, Logger: quietLogger(), Metrics: metrics, PollInterval: time.Hour})
	defer c.Close()
	ctx := context.Background()

	type result struct {
		reply *Reply
		err   error
	}
	first := make(chan result, 1)
	go func() {
		reply, err := c.SendMessage(ctx, "first")
		first <- result{reply, err}
	}()

	select {
	case d := <-rec.deltas:
		require.Equal(t, "partial", d)
	case <-time.After(2 * time.Second):
		t.Fatal("first stream produced no delta")
	}

	second, err := c.SendMessage(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, "fresh", second.Text)

	var r result
	select {
	case r = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded call did not return")
	}
	require.NoError(t, r.err)
	assert.True(t, r.reply.Superseded)
	assert.True(t, r.reply.Canceled)

	assert.Equal(t, []Turn{
		{Role: sse.RoleUser, Content: "first"},
		{Role: sse.RoleUser, Content: "second"},
		{Role: sse.RoleAssistant, Content: "fresh"},
	}, c.Snapshot().History)
	assert.Empty(t, rec.Errors())
	assert.Equal(t, 1, rec.count("end:"))
	assert.Equal(t, []string{"end:second"}, filter(rec.Events(), "end:"))
	assert.Equal(t, StateIdle, c.Snapshot().State)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamsTotal.WithLabelValues("superseded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamsTotal.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveStreams))
}

func TestController_CallerCancelKeepsPartialWithoutError(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{heldStream("data: {\"content\":\"half\"}\n\n")}}
	c, rec := newTestController(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-rec.deltas
		cancel()
	}()

	reply, err := c.SendMessage(ctx, "go")
	require.NoError(t, err)
	assert.True(t, reply.Canceled)
	assert.False(t, reply.Superseded)
	assert.Equal(t, "half", reply.Text)
	assert.Empty(t, rec.Errors())
	assert.Equal(t, []Turn{
		{Role: sse.RoleUser, Content: "go"},
		{Role: sse.RoleAssistant, Content: "half"},
	}, c.Snapshot().History)
}

// -----------------------------------------------------------------------------
// Failures
// -----------------------------------------------------------------------------

func TestController_TransportFailureDiscardsPartial(t *testing.T) {
	reset := errors.New("connection reset by peer")
	backend := &fakeBackend{streams: []streamFunc{
		func(context.Context, api.ChatRequest) (io.ReadCloser, error) {
			return &failingBody{data: "data: {\"content\":\"par\"}\n", err: reset}, nil
		},
	}}
	c, rec := newTestController(t, backend)

	reply, err := c.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, reset)
	assert.Equal(t, KindTransport, Classify(err))
	assert.Equal(t, "par", reply.Text)

	snap := c.Snapshot()
	assert.Equal(t, []Turn{{Role: sse.RoleUser, Content: "hello"}}, snap.History)
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.Unsaved)
	require.Len(t, rec.Errors(), 1)
}

func TestController_OpenFailureClassified(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{
		func(context.Context, api.ChatRequest) (io.ReadCloser, error) {
			return nil, &api.StatusError{StatusCode: 401, Method: "POST", Path: "/chat/stream"}
		},
	}}
	c, rec := newTestController(t, backend)

	_, err := c.SendMessage(context.Background(), "hello")
	assert.Equal(t, KindUnauthorized, Classify(err))
	require.Len(t, rec.Errors(), 1)
	assert.Equal(t, KindUnauthorized, Classify(rec.Errors()[0]))
}

func TestController_ProtocolErrorEvent(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(
		`{"content":"so"}`,
		`{"type":"error","error_code":"LLM_TIMEOUT","content":"model timed out"}`,
		`{"content":" never"}`,
	)}}
	c, rec := newTestController(t, backend)

	_, err := c.SendMessage(context.Background(), "hello")
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "LLM_TIMEOUT", protoErr.Code)
	assert.Equal(t, KindProtocol, Classify(err))
	assert.Len(t, c.Snapshot().History, 1)
	assert.Equal(t, []string{"delta:so"}, filter(rec.Events(), "delta:"))
	require.Len(t, rec.Errors(), 1)
}

// =============================================================================
// Topic changes
// =============================================================================

func TestController_ExecuteTopicChange_TopicAutoOpens(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"Let's talk about tea."}`, `[DONE]`)}}
	c, _ := newTestController(t, backend)

	err := c.ExecuteTopicChange(context.Background(), PendingTopicChange{TopicID: 7, TopicName: "Tea", TopicTag: "culture"})
	require.NoError(t, err)

	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, api.ModeTopic, reqs[0].Mode)
	assert.Equal(t, "", reqs[0].Message)
	assert.True(t, reqs[0].IsFirst)
	require.NotNil(t, reqs[0].TopicID)
	assert.Equal(t, 7, *reqs[0].TopicID)

	snap := c.Snapshot()
	assert.Equal(t, "Tea", snap.TopicName)
	assert.Equal(t, []Turn{{Role: sse.RoleAssistant, Content: "Let's talk about tea."}}, snap.History)
	assert.False(t, snap.Unsaved)

	_, err = c.SendMessage(context.Background(), "I like green tea")
	require.NoError(t, err)
	assert.False(t, backend.Requests()[1].IsFirst)
}

func TestController_ExecuteTopicChange_AlwaysNewSessionID(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"hi"}`)}}
	c, _ := newTestController(t, backend)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		change := PendingTopicChange{Casual: i%2 == 0, TopicID: i + 1}
		require.NoError(t, c.ExecuteTopicChange(ctx, change))
		id := c.Snapshot().SessionID
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "session id reused: %s", id)
		seen[id] = true
	}
}

func TestController_ExecuteTopicChange_RepeatingGeneratorStillChanges(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"hi"}`)}}
	rec := newRecorder()
	c := NewController(backend, Config{
		Observer:     rec,
		Logger:       quietLogger(),
		PollInterval: time.Hour,
		NewSessionID: func() string { return "fixed" },
	})
	defer c.Close()

	require.NoError(t, c.ExecuteTopicChange(context.Background(), PendingTopicChange{Casual: true}))
	first := c.Snapshot().SessionID
	require.NoError(t, c.ExecuteTopicChange(context.Background(), PendingTopicChange{Casual: true}))
	assert.NotEqual(t, first, c.Snapshot().SessionID)
}

func TestController_ExecuteTopicChange_CasualWaitsForInput(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"x"}`)}}
	c, _ := newTestController(t, backend)

	require.NoError(t, c.ExecuteTopicChange(context.Background(), PendingTopicChange{Casual: true}))
	snap := c.Snapshot()
	assert.Equal(t, StateAwaitingFirstReply, snap.State)
	assert.Equal(t, api.ModeCasual, snap.Mode)
	assert.Empty(t, backend.Requests())
}

func TestController_ExecuteTopicChange_CancelsInFlightStream(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{
		heldStream("data: {\"content\":\"old\"}\n\n"),
		lines(`{"content":"new topic"}`),
	}}
	c, rec := newTestController(t, backend)

	done := make(chan *Reply, 1)
	go func() {
		reply, _ := c.SendMessage(context.Background(), "casual chat")
		done <- reply
	}()
	<-rec.deltas

	require.NoError(t, c.ExecuteTopicChange(context.Background(), PendingTopicChange{TopicID: 2}))
	reply := <-done
	assert.True(t, reply.Superseded)
	assert.Equal(t, []Turn{{Role: sse.RoleAssistant, Content: "new topic"}}, c.Snapshot().History)
	assert.Empty(t, rec.Errors())
}

func TestController_RequestTopicChange_ConfirmFlow(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"reply"}`)}}
	c, rec := newTestController(t, backend)
	ctx := context.Background()

	applied, err := c.RequestTopicChange(ctx, PendingTopicChange{Casual: true})
	require.NoError(t, err)
	assert.True(t, applied, "nothing to lose: applied directly")

	_, err = c.SendMessage(ctx, "unsaved words")
	require.NoError(t, err)
	before := c.Snapshot()
	require.True(t, before.Unsaved)

	applied, err = c.RequestTopicChange(ctx, PendingTopicChange{TopicID: 3, TopicName: "Cities"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StateConfirmPending, c.Snapshot().State)
	require.NotNil(t, c.Snapshot().Pending)
	assert.Equal(t, "Cities", (<-rec.confirm).TopicName)

	require.NoError(t, c.ConfirmTopicChange(ctx, false))
	after := c.Snapshot()
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.History, after.History)
	assert.Equal(t, StateIdle, after.State)
	assert.Nil(t, after.Pending)

	_, err = c.RequestTopicChange(ctx, PendingTopicChange{TopicID: 3, TopicName: "Cities"})
	require.NoError(t, err)
	require.NoError(t, c.ConfirmTopicChange(ctx, true))
	final := c.Snapshot()
	assert.NotEqual(t, before.SessionID, final.SessionID)
	assert.Equal(t, api.ModeTopic, final.Mode)
	assert.Equal(t, 3, final.TopicID)

	assert.ErrorIs(t, c.ConfirmTopicChange(ctx, true), ErrNoPendingChange)
}

// =============================================================================
// Session lifecycle
// =============================================================================

func TestController_CompleteSession(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"r"}`)}}
	c, _ := newTestController(t, backend)
	ctx := context.Background()

	assert.ErrorIs(t, c.CompleteSession(ctx), ErrNoSession)

	_, err := c.SendMessage(ctx, "hello")
	require.NoError(t, err)
	id := c.Snapshot().SessionID

	require.NoError(t, c.CompleteSession(ctx))
	snap := c.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Empty(t, snap.SessionID)
	assert.Empty(t, snap.History)
	assert.False(t, c.poller.Running())
	assert.Equal(t, []string{id}, backend.completed)

	// A message after completion starts a new casual session.
	_, err = c.SendMessage(ctx, "again")
	require.NoError(t, err)
	assert.NotEqual(t, id, c.Snapshot().SessionID)
}

func TestController_CompleteSession_Failure(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"r"}`)}, completeErr: api.ErrTransport}
	c, _ := newTestController(t, backend)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "hello")
	require.NoError(t, err)
	id := c.Snapshot().SessionID

	err = c.CompleteSession(ctx)
	assert.ErrorIs(t, err, api.ErrTransport)
	assert.Equal(t, id, c.Snapshot().SessionID)
	assert.False(t, c.poller.Running())
}

func TestController_OpenSession(t *testing.T) {
	topic := 4
	backend := &fakeBackend{
		streams: []streamFunc{lines(`{"content":"x"}`)},
		details: map[string]*api.SessionDetail{
			"done": {
				ID: "done", Mode: api.ModeTopic, TopicID: &topic, Status: api.StatusCompleted, ReportReady: true,
				Messages: []Turn{{Role: sse.RoleAssistant, Content: "q"}, {Role: sse.RoleUser, Content: "a"}},
			},
			"live": {ID: "live", Mode: api.ModeCasual, Status: api.StatusInProgress},
			"old":  {ID: "old", Mode: api.ModeCasual, Status: api.StatusCompleted},
		},
	}
	c, rec := newTestController(t, backend)
	ctx := context.Background()

	require.NoError(t, c.OpenSession(ctx, "done"))
	snap := c.Snapshot()
	assert.Equal(t, "done", snap.SessionID)
	assert.Equal(t, 4, snap.TopicID)
	assert.Len(t, snap.History, 2)
	assert.True(t, snap.ReportReady)
	assert.Equal(t, "done", <-rec.ready)
	assert.False(t, c.poller.Running())

	require.NoError(t, c.OpenSession(ctx, "live"))
	assert.True(t, c.poller.Running())
	assert.Equal(t, "live", c.poller.SessionID())

	require.NoError(t, c.OpenSession(ctx, "old"))
	assert.False(t, c.poller.Running())

	err := c.OpenSession(ctx, "missing")
	assert.Equal(t, KindNotFound, Classify(err))
	assert.Equal(t, "old", c.Snapshot().SessionID)
}

func TestController_DeleteSession(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"x"}`)}}
	c, _ := newTestController(t, backend)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "hi")
	require.NoError(t, err)
	current := c.Snapshot().SessionID

	require.NoError(t, c.DeleteSession(ctx, "someone-else"))
	assert.Equal(t, current, c.Snapshot().SessionID)

	require.NoError(t, c.DeleteSession(ctx, current))
	assert.Empty(t, c.Snapshot().SessionID)
	assert.Equal(t, []string{"someone-else", current}, backend.deleted)
}

// =============================================================================
// Reports
// =============================================================================

func TestController_ReportPollingNotifiesCurrentSession(t *testing.T) {
	var polls atomic.Int32
	backend := &fakeBackend{
		streams: []streamFunc{lines(`{"type":"end","has_opinion_report":true}`)},
		reportStatus: func(id string) (*api.ReportStatus, error) {
			return &api.ReportStatus{Ready: polls.Add(1) >= 3, SessionID: id}, nil
		},
	}
	rec := newRecorder()
	c := NewController(backend, Config{Observer: rec, Logger: quietLogger(), PollInterval: 10 * time.Millisecond})
	defer c.Close()

	_, err := c.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	id := c.Snapshot().SessionID

	select {
	case got := <-rec.ready:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("report readiness not reported")
	}
	assert.True(t, c.Snapshot().ReportReady)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, rec.count("report:"))
	assert.EqualValues(t, 3, polls.Load())
}

func TestController_ReportReadyForStaleSessionIgnored(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"x"}`)}}
	c, rec := newTestController(t, backend)

	require.NoError(t, c.ExecuteTopicChange(context.Background(), PendingTopicChange{Casual: true}))
	c.handleReportReady("some-old-session")
	assert.Equal(t, 0, rec.count("report:"))
}

func TestController_FetchReportDeduplicates(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		streams: []streamFunc{lines(`{"content":"x"}`)},
		report: func(_ context.Context, id string) (*api.Report, error) {
			<-release
			return &api.Report{Ready: true, Report: "insight", SessionID: id}, nil
		},
	}
	c, _ := newTestController(t, backend)

	_, err := c.FetchReport(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoSession)

	var wg sync.WaitGroup
	results := make([]*api.Report, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.FetchReport(context.Background(), "s-1")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	require.Eventually(t, func() bool { return backend.reportCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, backend.reportCalls.Load())
	assert.Equal(t, "insight", results[0].Report)
	assert.Equal(t, "insight", results[1].Report)
}

func TestController_FetchReportCallerCancelDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		report: func(ctx context.Context, id string) (*api.Report, error) {
			select {
			case <-release:
				return &api.Report{Ready: true, Report: "insight", SessionID: id}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	c, _ := newTestController(t, backend)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.FetchReport(firstCtx, "s-1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return backend.reportCalls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *api.Report, 1)
	go func() {
		r, err := c.FetchReport(context.Background(), "s-1")
		assert.NoError(t, err)
		second <- r
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(release)
	select {
	case r := <-second:
		require.NotNil(t, r)
		assert.Equal(t, "insight", r.Report)
	case <-time.After(time.Second):
		t.Fatal("second caller did not get the shared report")
	}
	assert.EqualValues(t, 1, backend.reportCalls.Load())
}

// =============================================================================
// Misc
// =============================================================================

func TestController_ServerAssignedSessionID(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"hi","session_id":"srv-42"}`, `{"content":"!"}`)}}
	rec := newRecorder()
	c := NewController(backend, Config{
		Observer:     rec,
		Logger:       quietLogger(),
		PollInterval: time.Hour,
		NewSessionID: func() string { return "" },
	})
	defer c.Close()

	_, err := c.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "", backend.Requests()[0].SessionID)
	assert.Equal(t, "srv-42", c.Snapshot().SessionID)
	assert.Equal(t, "srv-42", c.poller.SessionID())

	_, err = c.SendMessage(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, "srv-42", backend.Requests()[1].SessionID)
}

func TestController_Close(t *testing.T) {
	backend := &fakeBackend{streams: []streamFunc{lines(`{"content":"x"}`)}}
	c, _ := newTestController(t, backend)

	c.Close()
	c.Close()
	_, err := c.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.ExecuteTopicChange(context.Background(), PendingTopicChange{Casual: true}), ErrClosed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{context.Canceled, KindCanceled},
		{errStaleStream, KindCanceled},
		{fmt.Errorf("wrapped: %w", &ProtocolError{Code: "X"}), KindProtocol},
		{fmt.Errorf("x: %w", &api.StatusError{StatusCode: 401}), KindUnauthorized},
		{&api.StatusError{StatusCode: 404}, KindNotFound},
		{&api.StatusError{StatusCode: 500}, KindTransport},
		{errors.New("dial tcp: refused"), KindTransport},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "none", KindNone.String())
}

func filter(events []string, prefix string) []string {
	var out []string
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}
