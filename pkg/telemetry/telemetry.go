// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing for the metalks client and
// its simulator.
//
// After Init, otel.Tracer() spans are exported and W3C trace context is
// injected into outgoing requests by pkg/api and extracted by the
// simulator's Middleware.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Trace exporter names accepted in Config.TraceExporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// TraceExporter selects the exporter: "none", "stdout" or "otlp".
	TraceExporter string

	// OTLPEndpoint is the collector's gRPC endpoint (host:port).
	OTLPEndpoint string

	// OTLPInsecure uses a plaintext gRPC connection.
	OTLPInsecure bool

	// Writer receives stdout-exported spans (default os.Stdout).
	Writer io.Writer
}

// DefaultConfig returns tracing disabled, with the standard OTLP endpoint
// preset for when it is switched on.
//
// OTEL_TRACES_EXPORTER and OTEL_EXPORTER_OTLP_ENDPOINT override defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "metalks",
		ServiceVersion: "dev",
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", ExporterNone),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// Init installs the global tracer provider and propagator.
//
// # Description
//
// The W3C TraceContext and Baggage propagator is installed even when the
// exporter is "none", so trace headers still flow between client and
// simulator. With an exporter configured, spans are batched to it.
//
// # Inputs
//
//   - ctx: Used for exporter connections.
//   - cfg: Telemetry configuration.
//
// # Outputs
//
//   - shutdown: Flushes and stops the exporter. Always non-nil on success.
//   - error: ErrNilContext, ErrUnknownExporter or an exporter failure.
//
// # Examples
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Limitations
//
//   - Call once at startup. Init replaces the otel globals.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.TraceExporter == "" || cfg.TraceExporter == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}

	exporter, closeConn, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closeErr := closeConn(); closeErr != nil && err == nil {
			err = fmt.Errorf("close collector connection: %w", closeErr)
		}
		return err
	}, nil
}

// newExporter builds the span exporter and a func releasing its connection.
func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.TraceExporter {
	case ExporterOTLP:
		creds := grpc.WithTransportCredentials(insecure.NewCredentials())
		if !cfg.OTLPInsecure {
			creds = grpc.WithTransportCredentials(credentials.NewTLS(nil))
		}
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			creds,
			grpc.WithUserAgent(cfg.ServiceName+"/"+cfg.ServiceVersion),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("dial collector %s: %w", cfg.OTLPEndpoint, err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exporter, conn.Close, nil

	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exporter, noClose, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
