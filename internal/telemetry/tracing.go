/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the tabwarden
// daemon.
//
// The engine starts its own spans around rule runs; the helpers here cover
// the driver edge, where a span per browser round trip shows how much of a
// run was spent waiting on the extension.
//
// Custom span attributes use the `tabwarden.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "tabwarden/daemon"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("tabwardend"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartDriverCallSpan creates a client span for one browser driver round
// trip.
func StartDriverCallSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "driver.call",
		trace.WithAttributes(
			attribute.String("tabwarden.driver.method", method),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDriverCallSpan enriches the driver span with the call outcome.
func EndDriverCallSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(
			attribute.Bool("tabwarden.driver.ok", false),
			attribute.String("tabwarden.driver.error", err.Error()),
		)
		span.End()
		return
	}
	span.SetAttributes(attribute.Bool("tabwarden.driver.ok", true))
	span.End()
}

// StartSnoozeWakeSpan creates a span for one snooze queue sweep that found
// due tabs.
func StartSnoozeWakeSpan(ctx context.Context, due int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "snooze.wake",
		trace.WithAttributes(
			attribute.Int("tabwarden.snooze.due", due),
		),
	)
}
