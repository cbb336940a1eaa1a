// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package simulator

import (
	"sort"
	"sync"
	"time"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/sse"
)

type session struct {
	ID        string
	Mode      api.Mode
	TopicID   *int
	Status    api.SessionStatus
	Messages  []sse.Turn
	CreatedAt time.Time
	UpdatedAt time.Time

	// ReportAt is when the report becomes readable. Zero means no report
	// has been requested yet.
	ReportAt time.Time
	Report   string

	Deleted bool
}

func (s *session) reportReady(now time.Time) bool {
	return !s.ReportAt.IsZero() && !now.Before(s.ReportAt)
}

func (s *session) userTurns() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == sse.RoleUser {
			n++
		}
	}
	return n
}

// store keeps sessions in memory. Deleted sessions stay in the map and are
// hidden from every lookup.
type store struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

func newStore(now func() time.Time) *store {
	if now == nil {
		now = time.Now
	}
	return &store{sessions: make(map[string]*session), now: now}
}

// ensure creates the session with id for req unless it already exists. A
// deleted id is recreated.
func (s *store) ensure(id string, req api.ChatRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok && !sess.Deleted {
		return
	}
	now := s.now()
	sess := &session{
		ID:        id,
		Mode:      req.Mode,
		TopicID:   req.TopicID,
		Status:    api.StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = sess
}

// update runs fn on the live session under the store lock.
func (s *store) update(id string, fn func(sess *session, now time.Time)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Deleted {
		return false
	}
	now := s.now()
	fn(sess, now)
	sess.UpdatedAt = now
	return true
}

// view runs fn on the live session without touching UpdatedAt.
func (s *store) view(id string, fn func(sess *session, now time.Time)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Deleted {
		return false
	}
	fn(sess, s.now())
	return true
}

func (s *store) summaries() []api.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.Deleted {
			live = append(live, sess)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].UpdatedAt.After(live[j].UpdatedAt) })

	now := s.now()
	out := make([]api.SessionSummary, 0, len(live))
	for _, sess := range live {
		last := ""
		if n := len(sess.Messages); n > 0 {
			last = sess.Messages[n-1].Content
		}
		out = append(out, api.SessionSummary{
			ID:          sess.ID,
			Mode:        sess.Mode,
			TopicID:     sess.TopicID,
			Status:      sess.Status,
			CreatedAt:   sess.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:   sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
			LastMessage: last,
			ReportReady: sess.reportReady(now),
		})
	}
	return out
}

func (s *store) detail(id string) (*api.SessionDetail, bool) {
	var detail *api.SessionDetail
	ok := s.view(id, func(sess *session, now time.Time) {
		detail = &api.SessionDetail{
			ID:          sess.ID,
			Mode:        sess.Mode,
			TopicID:     sess.TopicID,
			Status:      sess.Status,
			ReportReady: sess.reportReady(now),
			Messages:    append([]sse.Turn{}, sess.Messages...),
		}
	})
	return detail, ok
}
