// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulator is an in-process stand-in for the metalks conversation
// service.
//
// It speaks the same HTTP and event-stream protocol as the real backend
// with scripted replies, so the client can be exercised end to end without
// a model behind it:
//
//   - An empty is_first message gets an opening line.
//   - A message containing "bye" or "quit" triggers user_want_quit.
//   - The message "!error" answers with an error event.
//   - After TurnsBeforeEnd user turns, or with force_end, the reply ends
//     the conversation with a full_dialogue and schedules a report.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/metalks/metalks-client/pkg/api"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTurnsBeforeEnd is how many user turns a conversation lasts.
	DefaultTurnsBeforeEnd = 6

	// DefaultReportDelay is how long a report takes to become ready.
	DefaultReportDelay = 5 * time.Second

	// ServiceName names the simulator's server spans.
	ServiceName = "metalks-simulator"

	shutdownTimeout = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	// AccessToken, when set, is required in the access_token cookie.
	AccessToken string

	// TurnsBeforeEnd ends the conversation after this many user turns.
	// Zero uses DefaultTurnsBeforeEnd; negative never ends on its own.
	TurnsBeforeEnd int

	// ReportDelay is the time from completion to report readiness.
	// Zero uses DefaultReportDelay; negative makes reports ready at once.
	ReportDelay time.Duration

	// TokenDelay is the pause between streamed fragments.
	TokenDelay time.Duration

	// FragmentSize is the number of runes per delta. Default 8.
	FragmentSize int

	// Now overrides the clock for tests.
	Now func() time.Time

	// NewSessionID allocates ids for requests without a session_id.
	NewSessionID func() string

	// TracerProvider receives the server spans. Default: the global one.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
}

// Server is the simulated conversation service.
//
// # Thread Safety
//
// Safe for concurrent requests.
type Server struct {
	cfg    Config
	store  *store
	router *gin.Engine
	logger *slog.Logger
}

// New creates a Server with its routes installed.
func New(cfg Config) *Server {
	if cfg.TurnsBeforeEnd == 0 {
		cfg.TurnsBeforeEnd = DefaultTurnsBeforeEnd
	}
	if cfg.ReportDelay == 0 {
		cfg.ReportDelay = DefaultReportDelay
	}
	if cfg.ReportDelay < 0 {
		cfg.ReportDelay = 0
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = newSessionID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		store:  newStore(cfg.Now),
		logger: cfg.Logger,
	}
	s.router = s.initRouter()
	return s
}

// Handler returns the HTTP handler, for httptest or embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) initRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	var traceOpts []otelgin.Option
	if s.cfg.TracerProvider != nil {
		traceOpts = append(traceOpts, otelgin.WithTracerProvider(s.cfg.TracerProvider))
	}
	router.Use(otelgin.Middleware(ServiceName, traceOpts...))
	router.Use(requestLogger(s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/")
	authed.Use(AuthMiddleware(s.cfg.AccessToken))
	{
		authed.POST("/chat/stream", s.handleChatStream)

		sessions := authed.Group("/sessions")
		{
			sessions.GET("", s.handleListSessions)
			sessions.GET("/:id", s.handleSessionDetail)
			sessions.DELETE("/:id", s.handleDeleteSession)
			sessions.POST("/:id/complete", s.handleComplete)
			sessions.GET("/:id/report_status", s.handleReportStatus)
			sessions.GET("/:id/report", s.handleReport)
		}
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
//
// # Outputs
//
//   - error: nil after a clean shutdown, or the listen failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("simulator listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown simulator: %w", err)
	}
	s.logger.Info("simulator stopped")
	return nil
}

// requestLogger logs one structured line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"request_id", c.GetHeader(api.RequestIDHeader),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
