// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api is the HTTP transport for the metalks conversation service.
//
// # Endpoints
//
//	POST   /chat/stream                   streamed chat (text/event-stream)
//	GET    /sessions                      list sessions
//	GET    /sessions/{id}                 session detail with messages
//	DELETE /sessions/{id}                 soft delete
//	POST   /sessions/{id}/complete        explicit completion
//	GET    /sessions/{id}/report_status   {ready, session_id}
//	GET    /sessions/{id}/report          {ready, report, session_id}; 202 = not ready
//
// # Authentication
//
// Credentials are ambient: an access_token cookie held in a cookie jar and
// attached to every request for the base URL. The client never refreshes
// them; a 401 surfaces as ErrUnauthorized.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	// AccessTokenCookie is the cookie the server reads credentials from.
	AccessTokenCookie = "access_token"

	// DefaultTimeout bounds every non-streaming request.
	DefaultTimeout = 30 * time.Second

	// RequestIDHeader carries a per-request id for log correlation.
	RequestIDHeader = "X-Request-ID"

	tracerName = "github.com/metalks/metalks-client/pkg/api"
)

// HTTPClient is the subset of *http.Client the transport needs.
// Tests substitute it to script responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. http://localhost:8000.
	BaseURL string

	// AccessToken seeds the access_token cookie. Optional.
	AccessToken string

	// Timeout applies to non-streaming requests. Streams are bounded only
	// by their context. Default: DefaultTimeout.
	Timeout time.Duration

	// RequestsPerSecond paces non-streaming requests. <= 0 disables pacing.
	RequestsPerSecond float64

	// HTTPClient overrides the default client. When set, the cookie jar is
	// not installed and the caller is responsible for credentials.
	HTTPClient HTTPClient

	Logger *slog.Logger
}

// Client talks to the conversation service.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    HTTPClient
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewClient creates a Client.
//
// # Inputs
//
//   - cfg: Client configuration. BaseURL is required.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil if BaseURL is not an absolute http(s) URL.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}

	c := &Client{
		baseURL: base,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		tracer:  otel.Tracer(tracerName),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	if cfg.HTTPClient != nil {
		c.http = cfg.HTTPClient
		return c, nil
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if cfg.AccessToken != "" {
		jar.SetCookies(base, []*http.Cookie{{
			Name:  AccessTokenCookie,
			Value: cfg.AccessToken,
			Path:  "/",
		}})
	}
	c.http = &http.Client{Jar: jar}
	return c, nil
}

// BaseURL returns the configured service root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// =============================================================================
// Streaming
// =============================================================================

// StreamChat posts a chat turn and returns the open event-stream body.
//
// # Description
//
// The request is validated, sent with Accept: text/event-stream and no
// client-side timeout beyond ctx. Cancelling ctx aborts the request and
// unblocks any pending Read on the returned body.
//
// # Outputs
//
//   - io.ReadCloser: The response body. The caller must Close it.
//   - error: ErrUnauthorized / ErrNotFound / *StatusError for non-2xx,
//     ErrTransport-wrapped network errors, or ctx.Err() on cancellation.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "api.StreamChat", trace.WithAttributes(
		attribute.String("metalks.session_id", req.SessionID),
		attribute.Int("metalks.mode", int(req.Mode)),
		attribute.Bool("metalks.is_first", req.IsFirst),
	))

	resp, requestID, err := c.send(ctx, http.MethodPost, "/chat/stream", body, "text/event-stream")
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	if err := c.checkStatus(requestID, http.MethodPost, "/chat/stream", resp); err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return &spanBody{ReadCloser: resp.Body, span: span}, nil
}

// spanBody ends its span when the stream body is closed.
type spanBody struct {
	io.ReadCloser
	span trace.Span
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.span.End()
	return err
}

// =============================================================================
// Session & report endpoints
// =============================================================================

// ReportStatus asks whether the deferred report is ready.
func (c *Client) ReportStatus(ctx context.Context, sessionID string) (*ReportStatus, error) {
	var status ReportStatus
	if _, err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "report_status"), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Report fetches the report content. A 202 answer yields Ready=false.
func (c *Client) Report(ctx context.Context, sessionID string) (*Report, error) {
	var report Report
	code, err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "report"), nil, &report)
	if err != nil {
		return nil, err
	}
	if code == http.StatusAccepted {
		return &Report{Ready: false, SessionID: sessionID}, nil
	}
	if report.SessionID == "" {
		report.SessionID = sessionID
	}
	return &report, nil
}

// CompleteSession marks the session as finished by the user.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "complete"), nil, nil)
	return err
}

// ListSessions returns the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var sessions []SessionSummary
	if _, err := c.doJSON(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionDetail returns one session with its messages.
func (c *Client) SessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var detail SessionDetail
	if _, err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// DeleteSession soft-deletes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
	return err
}

// =============================================================================
// Internal helpers
// =============================================================================

func sessionPath(sessionID, suffix string) string {
	p := "/sessions/" + url.PathEscape(sessionID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// doJSON performs a paced, time-bounded request and decodes a 2xx body
// into out (if non-nil). It returns the status code on success.
func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) (int, error) {
	ctx, span := c.tracer.Start(ctx, "api."+method+" "+path)

	if err := c.limiter.Wait(ctx); err != nil {
		endSpan(span, err)
		return 0, fmt.Errorf("rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			endSpan(span, err)
			return 0, fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, requestID, err := c.send(ctx, method, path, body, "application/json")
	if err != nil {
		endSpan(span, err)
		return 0, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(requestID, method, path, resp); err != nil {
		endSpan(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if out != nil && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			err = fmt.Errorf("decode %s response: %w", path, err)
			endSpan(span, err)
			return 0, err
		}
	}
	endSpan(span, nil)
	return resp.StatusCode, nil
}

// send builds and executes one request.
func (c *Client) send(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, string, error) {
	requestID := uuid.NewString()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, requestID, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	req.Header.Set(RequestIDHeader, requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	c.logger.Debug("sending request", "request_id", requestID, "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, requestID, fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		c.logger.Warn("request failed", "request_id", requestID, "method", method, "path", path, "error", err)
		return nil, requestID, fmt.Errorf("%s %s: %w: %w", method, path, ErrTransport, err)
	}
	return resp, requestID, nil
}

// checkStatus turns a non-2xx response into a *StatusError and closes it.
func (c *Client) checkStatus(requestID, method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Method:     method,
		Path:       path,
		Detail:     parseDetail(data),
	}
	c.logger.Warn("server returned error",
		"request_id", requestID,
		"status_code", resp.StatusCode,
		"path", statusErr.Path,
	)
	return statusErr
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			span.SetAttributes(attribute.Int("http.status_code", statusErr.StatusCode))
		}
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
