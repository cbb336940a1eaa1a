// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"bytes"
	"strings"
)

// =============================================================================
// Line Reassembler
// =============================================================================

// Reassembler converts arbitrarily split byte chunks into complete lines.
//
// # Description
//
// Bytes are buffered until a '\n' arrives. A '\r' immediately before the
// '\n' is stripped, so both LF and CRLF endings are accepted. Splitting
// happens on raw bytes: '\n' never appears inside a UTF-8 multi-byte
// sequence, so a chunk boundary that cuts a character in half is simply
// carried over to the next Feed. Invalid UTF-8 inside a completed line is
// replaced with U+FFFD.
//
// # Examples
//
//	var r Reassembler
//	r.Feed([]byte("data: {\"con"))     // nil
//	r.Feed([]byte("tent\":\"hi\"}\n")) // ["data: {\"content\":\"hi\"}"]
//
// # Limitations
//
//   - A line that never terminates is held in memory until Finish.
//
// # Assumptions
//
//   - Not safe for concurrent use. One Reassembler per stream.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, in order.
func (r *Reassembler) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	r.buf = append(r.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(r.buf[:i], []byte{'\r'})
		lines = append(lines, strings.ToValidUTF8(string(line), "�"))
		r.buf = r.buf[i+1:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return lines
}

// Pending returns the number of buffered bytes not yet part of a line.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Finish discards any unterminated fragment and returns its size in bytes.
// The fragment is never emitted as a line.
func (r *Reassembler) Finish() int {
	n := len(r.buf)
	r.buf = nil
	return n
}
