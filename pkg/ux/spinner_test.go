// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the spinner goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewSpinner_Defaults(t *testing.T) {
	spin := NewSpinner(&syncBuffer{}, "thinking...")
	if spin.message != "thinking..." {
		t.Errorf("message = %q", spin.message)
	}
	if spin.spinType != SpinnerDots {
		t.Errorf("spinType = %v, want SpinnerDots", spin.spinType)
	}
	if spin.Running() {
		t.Error("new spinner should not be running")
	}
}

func TestSpinner_WithType(t *testing.T) {
	spin := NewSpinner(&syncBuffer{}, "x").WithType(SpinnerPulse)
	if spin.spinType != SpinnerPulse {
		t.Errorf("spinType = %v, want SpinnerPulse", spin.spinType)
	}
}

func TestSpinner_StartStop_DrawsAndClears(t *testing.T) {
	var buf syncBuffer
	spin := NewSpinner(&buf, "thinking...")

	spin.Start()
	if !spin.Running() {
		t.Fatal("spinner should be running after Start")
	}
	time.Sleep(3 * spinnerTick)
	spin.Stop()

	out := buf.String()
	if !strings.Contains(out, "thinking...") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\033[K") {
		t.Errorf("expected line clear at end, got %q", out)
	}
	if spin.Running() {
		t.Error("spinner should not be running after Stop")
	}
}

func TestSpinner_RestartAfterStop(t *testing.T) {
	spin := NewSpinner(&syncBuffer{}, "x")
	for i := 0; i < 3; i++ {
		spin.Start()
		spin.Start()
		spin.Stop()
		spin.Stop()
	}
	if spin.Running() {
		t.Error("spinner should be stopped")
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	spin := NewSpinner(&syncBuffer{}, "x")
	spin.Stop()
}

func TestSpinner_UpdateMessage(t *testing.T) {
	var buf syncBuffer
	spin := NewSpinner(&buf, "first")
	spin.Start()
	spin.UpdateMessage("second")
	time.Sleep(3 * spinnerTick)
	spin.Stop()

	if !strings.Contains(buf.String(), "second") {
		t.Errorf("expected updated message, got %q", buf.String())
	}
}
