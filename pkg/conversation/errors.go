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

	"github.com/metalks/metalks-client/pkg/api"
)

var (
	// ErrNoSession is returned by operations that need a current session.
	ErrNoSession = errors.New("no active session")

	// ErrNoPendingChange is returned by ConfirmTopicChange when nothing is
	// staged.
	ErrNoPendingChange = errors.New("no pending topic change")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")

	// errStaleStream stops delivery from a stream that is no longer current.
	// It never leaves the package.
	errStaleStream = errors.New("stream superseded")
)

// ProtocolError is a fault the server reported inside the event stream.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %s", e.Code)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// ErrorKind is a coarse classification for presenting errors to users.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransport
	KindCanceled
	KindProtocol
	KindUnauthorized
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindCanceled:
		return "canceled"
	case KindProtocol:
		return "protocol"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Classify maps any error produced by this package or pkg/api to a kind.
// Unrecognized errors count as transport failures.
func Classify(err error) ErrorKind {
	var protoErr *ProtocolError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, errStaleStream):
		return KindCanceled
	case errors.Is(err, api.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, api.ErrNotFound):
		return KindNotFound
	default:
		return KindTransport
	}
}
