// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the metalks CLI configuration from
// ~/.metalks/metalks.yaml.
package config

import (
	"time"

	"github.com/metalks/metalks-client/pkg/report"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// MetalksConfig is the root of metalks.yaml.
type MetalksConfig struct {
	Meta       MetaConfig       `yaml:"meta"`
	Server     ServerConfig     `yaml:"server" validate:"required"`
	Report     ReportConfig     `yaml:"report"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	MockServer MockServerConfig `yaml:"mock_server"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

// ServerConfig locates the conversation service.
type ServerConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,http_url"`

	// AccessToken is sent as the access_token cookie. Prefer the
	// METALKS_ACCESS_TOKEN variable over storing it here.
	AccessToken string `yaml:"access_token,omitempty"`

	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
}

type ReportConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

type TelemetryConfig struct {
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint  string `yaml:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

// MetricsConfig enables the Prometheus endpoint during chat when
// ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty" validate:"omitempty,hostname_port"`
}

type MockServerConfig struct {
	Addr           string        `yaml:"addr" validate:"omitempty,hostname_port"`
	TurnsBeforeEnd int           `yaml:"turns_before_end"`
	ReportDelay    time.Duration `yaml:"report_delay"`
	TokenDelay     time.Duration `yaml:"token_delay" validate:"gte=0"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() MetalksConfig {
	return MetalksConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Report: ReportConfig{PollInterval: report.DefaultInterval},
		Logging: LoggingConfig{
			Level: "warn",
			Dir:   "~/.metalks/logs",
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
			OTLPEndpoint:  "localhost:4317",
			OTLPInsecure:  true,
		},
		MockServer: MockServerConfig{
			Addr:           "127.0.0.1:8000",
			TurnsBeforeEnd: 6,
			ReportDelay:    5 * time.Second,
			TokenDelay:     40 * time.Millisecond,
		},
	}
}
