// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".metalks", "metalks.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config permissions = %o, want 600", perm)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	var cfg MetalksConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if cfg.Server.BaseURL != "http://localhost:8000" {
		t.Errorf("Server.BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Report.PollInterval != 3*time.Second {
		t.Errorf("Report.PollInterval = %v, want 3s", cfg.Report.PollInterval)
	}
	if cfg.Meta.Version != CurrentConfigVersion {
		t.Errorf("Meta.Version = %q, want %q", cfg.Meta.Version, CurrentConfigVersion)
	}
}

func TestLoad_FirstRunCreatesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "metalks.yaml")
	var notice bytes.Buffer

	cfg, err := Load(path, &notice)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !strings.Contains(notice.String(), "First run detected") {
		t.Errorf("notice = %q, want first-run message", notice.String())
	}
	if cfg.Telemetry.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want none", cfg.Telemetry.TraceExporter)
	}

	notice.Reset()
	if _, err := Load(path, &notice); err != nil {
		t.Fatalf("second Load() failed: %v", err)
	}
	if notice.Len() != 0 {
		t.Errorf("second Load printed %q", notice.String())
	}
}

func TestParse_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("server:\n  base_url: https://api.example.com\nreport:\n  poll_interval: 500ms\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Report.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Report.PollInterval)
	}
	if cfg.Server.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want default 30s", cfg.Server.Timeout)
	}
	if cfg.MockServer.TurnsBeforeEnd != 6 {
		t.Errorf("TurnsBeforeEnd = %d, want default 6", cfg.MockServer.TurnsBeforeEnd)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvBaseURL, "http://env.example:9000")
	t.Setenv(EnvAccessToken, "from-env")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Parse([]byte("server:\n  base_url: http://file.example\n  access_token: from-file\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Server.BaseURL != "http://env.example:9000" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Server.AccessToken != "from-env" {
		t.Errorf("AccessToken = %q", cfg.Server.AccessToken)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestParse_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
	}{
		{"bad url", "server:\n  base_url: not a url\n"},
		{"bad exporter", "telemetry:\n  trace_exporter: jaeger\n"},
		{"otlp without endpoint", "telemetry:\n  trace_exporter: otlp\n  otlp_endpoint: \"\"\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad metrics addr", "metrics:\n  listen_addr: nope\n"},
		{"negative rate", "server:\n  requests_per_second: -1\n"},
		{"not yaml", "server: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.yaml)
			}
		})
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvBaseURL, EnvAccessToken, EnvLogLevel} {
		t.Setenv(key, "")
	}
}
