// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tracing configures OpenTelemetry tracing for credential operations
// from the standard OTEL_* environment variables.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/tracing/api"
)

const (
	defaultServiceName = "credbroker"
	tracerName         = "envoyproxy/credbroker"

	outcomeKey  = attribute.Key("credbroker.outcome")
	categoryKey = attribute.Key("credbroker.error.category")
)

var _ api.Tracing = (*tracingImpl)(nil)

type tracingImpl struct {
	credentialTracer api.CredentialTracer
	propagator       propagation.TextMapPropagator
	shutdown         func(context.Context) error
}

// CredentialTracer implements api.Tracing.
func (t *tracingImpl) CredentialTracer() api.CredentialTracer { return t.credentialTracer }

// Propagator implements api.Tracing.
func (t *tracingImpl) Propagator() propagation.TextMapPropagator { return t.propagator }

// Shutdown implements api.Tracing.
func (t *tracingImpl) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// NewTracingFromEnv configures tracing from OTEL_TRACES_EXPORTER and the OTLP
// endpoint variables. Tracing is off unless an exporter or an endpoint is
// configured. The console exporter writes to stdout.
func NewTracingFromEnv(ctx context.Context, stdout io.Writer) (api.Tracing, error) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return api.NoopTracing{}, nil
	}
	exporter := os.Getenv("OTEL_TRACES_EXPORTER")
	if exporter == "none" {
		return api.NoopTracing{}, nil
	}
	if exporter == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
		return api.NoopTracing{}, nil
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	var spanProcessor sdktrace.TracerProviderOption
	if exporter == "console" {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		// Synchronous so short-lived CLI commands still print their spans.
		spanProcessor = sdktrace.WithSyncer(exp)
	} else {
		exp, err := autoexport.NewSpanExporter(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		spanProcessor = sdktrace.WithBatcher(exp)
	}

	tp := sdktrace.NewTracerProvider(spanProcessor, sdktrace.WithResource(res))
	return &tracingImpl{
		credentialTracer: NewCredentialTracer(tp.Tracer(tracerName)),
		propagator:       autoprop.NewTextMapPropagator(),
		shutdown:         tp.Shutdown,
	}, nil
}

func newResource(ctx context.Context) (*resource.Resource, error) {
	envRes, err := resource.New(ctx, resource.WithFromEnv(), resource.WithTelemetrySDK())
	if err != nil {
		return nil, fmt.Errorf("failed to create resource from env: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(defaultServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to merge default resources: %w", err)
	}
	if res, err = resource.Merge(res, envRes); err != nil {
		return nil, fmt.Errorf("failed to merge env resource: %w", err)
	}
	return res, nil
}

// NewCredentialTracer wraps tracer.
func NewCredentialTracer(tracer trace.Tracer) api.CredentialTracer {
	return credentialTracer{tracer: tracer}
}

type credentialTracer struct {
	tracer trace.Tracer
}

// StartSpan implements api.CredentialTracer.
func (t credentialTracer) StartSpan(ctx context.Context, name string) (context.Context, api.CredentialSpan) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	return ctx, credentialSpan{span: span}
}

type credentialSpan struct {
	span trace.Span
}

// EndSpan implements api.CredentialSpan. Only the classified message is
// recorded, which never carries provider response bodies or secrets.
func (s credentialSpan) EndSpan(err error) {
	defer s.span.End()
	if err == nil {
		s.span.SetAttributes(outcomeKey.String("success"))
		s.span.SetStatus(codes.Ok, "")
		return
	}
	ce := autherrors.Classify(err, "")
	s.span.SetAttributes(outcomeKey.String("error"), categoryKey.String(string(ce.Category)))
	s.span.SetStatus(codes.Error, string(ce.Category)+": "+ce.Message)
}
