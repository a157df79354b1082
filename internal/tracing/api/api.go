// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package api provides types for OpenTelemetry tracing support, notably to
// reduce chance of cyclic imports. No implementations besides no-op are here.
package api

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// Span names of the credential lifecycle.
const (
	SpanAuthenticate = "credbroker.authenticate"
	SpanRefresh      = "credbroker.refresh"
	SpanFederate     = "credbroker.federate"
)

var _ Tracing = NoopTracing{}

// Tracing gives access to the credential tracer and the propagator used to
// continue traces started by callers of the credential server.
type Tracing interface {
	// CredentialTracer creates spans around network-bound credential operations.
	CredentialTracer() CredentialTracer
	// Propagator extracts incoming trace context.
	Propagator() propagation.TextMapPropagator
	// Shutdown shuts down the tracer, flushing any buffered spans.
	Shutdown(context.Context) error
}

// CredentialTracer starts credential operation spans.
type CredentialTracer interface {
	// StartSpan starts a span named name as a child of any span in ctx.
	StartSpan(ctx context.Context, name string) (context.Context, CredentialSpan)
}

// CredentialSpan is an in-flight credential operation.
type CredentialSpan interface {
	// EndSpan records the outcome of the operation and ends the span.
	EndSpan(err error)
}

// NoopTracing is a Tracing that doesn't do anything.
type NoopTracing struct{}

// CredentialTracer implements Tracing.CredentialTracer.
func (NoopTracing) CredentialTracer() CredentialTracer { return NoopCredentialTracer{} }

// Propagator implements Tracing.Propagator.
func (NoopTracing) Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator()
}

// Shutdown implements Tracing.Shutdown.
func (NoopTracing) Shutdown(context.Context) error { return nil }

// NoopCredentialTracer starts no spans.
type NoopCredentialTracer struct{}

// StartSpan implements CredentialTracer.StartSpan.
func (NoopCredentialTracer) StartSpan(ctx context.Context, _ string) (context.Context, CredentialSpan) {
	return ctx, NoopCredentialSpan{}
}

// NoopCredentialSpan does nothing.
type NoopCredentialSpan struct{}

// EndSpan implements CredentialSpan.EndSpan.
func (NoopCredentialSpan) EndSpan(error) {}
