// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is matched by responses with status 401.
	ErrUnauthorized = errors.New("not authenticated")

	// ErrNotFound is matched by responses with status 404.
	ErrNotFound = errors.New("not found")

	// ErrTransport is matched by network failures and any other non-2xx
	// response.
	ErrTransport = errors.New("transport failure")
)

// StatusError is returned for every non-2xx response.
//
// errors.Is maps it onto the sentinels above, so callers can write
// errors.Is(err, api.ErrNotFound) without inspecting the code.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string

	// Detail is the server's "detail" message, or the raw body prefix.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: server returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// Is reports whether target is the sentinel for this status code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrTransport:
		return e.StatusCode != http.StatusUnauthorized && e.StatusCode != http.StatusNotFound
	}
	return false
}

// maxErrorBody bounds how much of an error body is kept.
const maxErrorBody = 4096

// parseDetail extracts {"detail": "..."} from an error body, falling back
// to the trimmed body itself.
func parseDetail(body []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(payload.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(body))
}
