// Copyright 2025 The mcpd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry configures OpenTelemetry tracing and metrics for the
// runtime and carries the instruments the serving layers record on.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation holds the tracer and instruments shared by the serving
// layers.
type Instrumentation struct {
	Tracer trace.Tracer

	// FramesSent counts outbound frames per session direction.
	FramesSent metric.Int64Counter
	// FramesReceived counts inbound frames.
	FramesReceived metric.Int64Counter
	// RequestsServed counts dispatched inbound requests by method/status.
	RequestsServed metric.Int64Counter
	// RequestDuration records handler latency in milliseconds by method.
	RequestDuration metric.Float64Histogram
	// McpPost counts messages posted to the SSE message endpoint.
	McpPost metric.Int64Counter
	// McpSse counts SSE connections.
	McpSse metric.Int64Counter
}

const instrumentationName = "github.com/mcpd-io/mcpd"

// CreateTelemetryInstrumentation returns the Instrumentation used across
// the runtime. It relies on the global tracer and meter providers, so
// SetupOTel should run first.
func CreateTelemetryInstrumentation(versionString string) (*Instrumentation, error) {
	tracer := otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(versionString))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(versionString))

	framesSent, err := meter.Int64Counter("mcpd.session.frames_sent", metric.WithDescription("Number of frames written to a transport."))
	if err != nil {
		return nil, fmt.Errorf("unable to create frames_sent counter: %w", err)
	}
	framesReceived, err := meter.Int64Counter("mcpd.session.frames_received", metric.WithDescription("Number of frames read from a transport."))
	if err != nil {
		return nil, fmt.Errorf("unable to create frames_received counter: %w", err)
	}
	requestsServed, err := meter.Int64Counter("mcpd.session.requests", metric.WithDescription("Number of inbound requests dispatched."))
	if err != nil {
		return nil, fmt.Errorf("unable to create requests counter: %w", err)
	}
	requestDuration, err := meter.Float64Histogram("mcpd.session.request_duration", metric.WithDescription("Handler latency in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("unable to create request_duration histogram: %w", err)
	}
	mcpPost, err := meter.Int64Counter("mcpd.http.post", metric.WithDescription("Number of messages posted to the SSE message endpoint."))
	if err != nil {
		return nil, fmt.Errorf("unable to create http post counter: %w", err)
	}
	mcpSse, err := meter.Int64Counter("mcpd.http.sse", metric.WithDescription("Number of SSE connections accepted."))
	if err != nil {
		return nil, fmt.Errorf("unable to create sse counter: %w", err)
	}

	return &Instrumentation{
		Tracer:          tracer,
		FramesSent:      framesSent,
		FramesReceived:  framesReceived,
		RequestsServed:  requestsServed,
		RequestDuration: requestDuration,
		McpPost:         mcpPost,
		McpSse:          mcpSse,
	}, nil
}

// SetupOTel configures the global tracer and meter providers. When
// otlpEndpoint is empty, providers are installed without exporters so
// instruments stay cheap no-ops. The returned function flushes and shuts
// the providers down.
func SetupOTel(ctx context.Context, versionString, otlpEndpoint, serviceName string) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(versionString),
	))
	if err != nil {
		return nil, fmt.Errorf("unable to set up telemetry resource: %w", err)
	}

	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if otlpEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, fmt.Errorf("unable to set up OTLP trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, fmt.Errorf("unable to set up OTLP metric exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	meterProvider := sdkmetric.NewMeterProvider(metricOpts...)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	return shutdown, nil
}
