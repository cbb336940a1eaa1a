// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// DefaultReadBufferSize is the size of each raw read from the body.
const DefaultReadBufferSize = 4096

// Callback receives events in arrival order. Returning an error stops the
// read and that error is returned from Read.
type Callback func(Event) error

// =============================================================================
// Chunk Reader
// =============================================================================

// ChunkReader drives bytes from an io.Reader through a Reassembler and a
// Decoder.
//
// # Description
//
// Unlike a bufio.Scanner, ChunkReader has no maximum line length and
// delivers each event as soon as the chunk that completes its line
// arrives. Read stops when:
//
//   - the terminator line arrives (returns nil)
//   - an error event has been delivered (returns nil)
//   - the body reaches EOF (returns nil; a trailing fragment is dropped)
//   - the callback returns an error (returns that error)
//   - ctx is cancelled (returns ctx.Err())
//   - the body returns any other read error (returns it)
//
// # Assumptions
//
//   - A ChunkReader may be shared; each Read call owns its own Reassembler.
type ChunkReader struct {
	decoder *Decoder
	bufSize int
	logger  *slog.Logger
}

// NewChunkReader creates a reader around decoder. A nil decoder uses
// NewDecoder(). bufSize <= 0 selects DefaultReadBufferSize.
func NewChunkReader(decoder *Decoder, bufSize int, logger *slog.Logger) *ChunkReader {
	if decoder == nil {
		decoder = NewDecoder()
	}
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkReader{decoder: decoder, bufSize: bufSize, logger: logger}
}

// Read consumes r until one of the stop conditions above.
func (c *ChunkReader) Read(ctx context.Context, r io.Reader, fn Callback) error {
	var reassembler Reassembler
	buf := make([]byte, c.bufSize)
	index := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			for _, line := range reassembler.Feed(buf[:n]) {
				if err := ctx.Err(); err != nil {
					return err
				}
				event, outcome := c.decoder.Decode(line)
				switch outcome {
				case OutcomeSkip:
					continue
				case OutcomeTerminate:
					c.dropTail(&reassembler)
					return nil
				}
				event.Index = index
				index++
				if err := fn(event); err != nil {
					return err
				}
				if event.Kind == KindError {
					return nil
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				c.dropTail(&reassembler)
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return readErr
		}
	}
}

func (c *ChunkReader) dropTail(r *Reassembler) {
	if n := r.Finish(); n > 0 {
		c.logger.Debug("dropped unterminated stream fragment", "bytes", n)
	}
}

// Result summarizes a whole stream. Returned by Collect.
type Result struct {
	Text   string
	Events int
	End    *EndPayload
	Quit   bool
	Err    *Event
}

// Collect reads the entire stream and folds it into a Result.
func (c *ChunkReader) Collect(ctx context.Context, r io.Reader) (*Result, error) {
	result := &Result{}
	var text strings.Builder
	err := c.Read(ctx, r, func(event Event) error {
		result.Events++
		switch event.Kind {
		case KindDelta:
			text.WriteString(event.Text)
		case KindEnd:
			result.End = event.End
		case KindQuit:
			result.Quit = true
		case KindError:
			e := event
			result.Err = &e
		}
		return nil
	})
	result.Text = text.String()
	return result, err
}
