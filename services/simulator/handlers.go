// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package simulator

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/sse"
)

// ErrorCodeLLM is the error_code sent for ErrorTrigger.
const ErrorCodeLLM = "LLM_ERROR"

func newSessionID() string {
	return uuid.NewString()
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
}

// =============================================================================
// Chat stream
// =============================================================================

// handleChatStream answers POST /chat/stream with an event stream.
//
// # Description
//
// The user turn is stored before the reply is generated. The reply is sent
// as deltas of FragmentSize runes, paced by TokenDelay, followed by an end
// event when the script ends the conversation, then [DONE]. When the
// request has no session_id a new id is allocated and carried on the first
// delta. If the client disconnects mid-reply the assistant turn is not
// stored.
func (s *Server) handleChatStream(c *gin.Context) {
	var req api.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	id := req.SessionID
	announce := id == ""
	if announce {
		id = s.cfg.NewSessionID()
	}
	s.store.ensure(id, req)

	msg := strings.TrimSpace(req.Message)
	var r reply
	s.store.update(id, func(sess *session, _ time.Time) {
		if msg != "" {
			sess.Messages = append(sess.Messages, sse.Turn{Role: sse.RoleUser, Content: msg})
		}
		r = scriptReply(req, sess.userTurns(), s.cfg.TurnsBeforeEnd)
	})

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := NewEventWriter(c.Writer)
	if err != nil {
		s.logger.Error("streaming unsupported", "error", err)
		return
	}

	logger := s.logger.With("session_id", id, "request_id", c.GetHeader(api.RequestIDHeader))
	if err := w.WriteKeepAlive(); err != nil {
		logger.Debug("client went away before reply", "error", err)
		return
	}

	if r.FailErr != "" {
		_ = w.WriteError(ErrorCodeLLM, r.FailErr)
		_ = w.WriteDone()
		logger.Info("sent scripted error")
		return
	}
	if r.Quit {
		if err := w.WriteQuit(); err != nil {
			return
		}
	}

	ctx := c.Request.Context()
	for i, frag := range splitFragments(r.Text, s.cfg.FragmentSize) {
		if i > 0 && !s.pause(ctx) {
			logger.Info("client disconnected mid-reply", "fragments_sent", i)
			return
		}
		sessionID := ""
		if i == 0 && announce {
			sessionID = id
		}
		if err := w.WriteDelta(frag, sessionID); err != nil {
			logger.Info("write failed mid-reply", "error", err)
			return
		}
	}

	s.store.update(id, func(sess *session, now time.Time) {
		sess.Messages = append(sess.Messages, sse.Turn{Role: sse.RoleAssistant, Content: r.Text})
		if r.End != nil {
			sess.Status = api.StatusCompleted
			s.scheduleReport(sess, now)
			r.End.FullDialogue = append([]sse.Turn{}, sess.Messages...)
		}
	})

	if r.End != nil {
		if err := w.WriteEnd(*r.End); err != nil {
			return
		}
	}
	_ = w.WriteDone()
	logger.Debug("reply streamed", "quit", r.Quit, "ended", r.End != nil)
}

// pause waits TokenDelay. It reports false if ctx ended first.
func (s *Server) pause(ctx context.Context) bool {
	if s.cfg.TokenDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.cfg.TokenDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Server) scheduleReport(sess *session, now time.Time) {
	if !sess.ReportAt.IsZero() {
		return
	}
	sess.ReportAt = now.Add(s.cfg.ReportDelay)
	sess.Report = renderReport(sess)
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.summaries())
}

func (s *Server) handleSessionDetail(c *gin.Context) {
	detail, ok := s.store.detail(c.Param("id"))
	if !ok {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	ok := s.store.update(c.Param("id"), func(sess *session, _ time.Time) {
		sess.Deleted = true
	})
	if !ok {
		notFound(c)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleComplete(c *gin.Context) {
	id := c.Param("id")
	ok := s.store.update(id, func(sess *session, now time.Time) {
		sess.Status = api.StatusCompleted
		s.scheduleReport(sess, now)
	})
	if !ok {
		notFound(c)
		return
	}
	s.logger.Info("session completed", "session_id", id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": api.StatusCompleted})
}

// =============================================================================
// Reports
// =============================================================================

func (s *Server) handleReportStatus(c *gin.Context) {
	id := c.Param("id")
	var status api.ReportStatus
	ok := s.store.view(id, func(sess *session, now time.Time) {
		status = api.ReportStatus{Ready: sess.reportReady(now), SessionID: sess.ID}
	})
	if !ok {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleReport answers 202 until the report is ready.
func (s *Server) handleReport(c *gin.Context) {
	id := c.Param("id")
	var report api.Report
	ok := s.store.view(id, func(sess *session, now time.Time) {
		report = api.Report{SessionID: sess.ID, Ready: sess.reportReady(now)}
		if report.Ready {
			report.Report = sess.Report
		}
	})
	if !ok {
		notFound(c)
		return
	}
	if !report.Ready {
		c.JSON(http.StatusAccepted, report)
		return
	}
	c.JSON(http.StatusOK, report)
}
