// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/metalks/metalks-client/cmd/metalks/config"
	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/logging"
	"github.com/metalks/metalks-client/pkg/telemetry"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// App holds what every command shares once flags and config are resolved.
type App struct {
	Config config.MetalksConfig
	Logger *logging.Logger
	Client *api.Client

	shutdownTelemetry func(context.Context) error
}

var app *App

// setupApp loads config, applies flag overrides and builds the shared
// logger, tracer and client.
func setupApp(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath, os.Stderr)
	if err != nil {
		return err
	}
	if baseURLFlag != "" {
		cfg.Server.BaseURL = baseURLFlag
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	app = a
	return nil
}

func newApp(ctx context.Context, cfg config.MetalksConfig) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "metalks",
		JSON:    cfg.Logging.JSON,
	})

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	if cfg.Telemetry.TraceExporter != "" {
		tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	tcfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	tcfg.Writer = os.Stderr
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	client, err := api.NewClient(api.Config{
		BaseURL:           cfg.Server.BaseURL,
		AccessToken:       cfg.Server.AccessToken,
		Timeout:           cfg.Server.Timeout,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Logger:            logger.Slog(),
	})
	if err != nil {
		_ = shutdown(ctx)
		_ = logger.Close()
		return nil, fmt.Errorf("create api client: %w", err)
	}

	logger.Debug("metalks ready",
		"version", version,
		"base_url", client.BaseURL(),
		"trace_exporter", tcfg.TraceExporter,
	)
	return &App{Config: cfg, Logger: logger, Client: client, shutdownTelemetry: shutdown}, nil
}

// Close flushes traces and closes the log file.
func (a *App) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTelemetry(ctx); err != nil {
		a.Logger.Warn("telemetry shutdown failed", "error", err)
	}
	_ = a.Logger.Close()
}
