// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/envoyproxy/credbroker/internal/autherrors"
)

// Cache tiers reported by RecordCacheHit.
const (
	TierToken      = "token"
	TierFederation = "federation"
)

const (
	operationsMetric = "credbroker.auth.operations"
	durationMetric   = "credbroker.auth.operation.duration"
	rejectionsMetric = "credbroker.ratelimit.rejections"
	retryMetric      = "credbroker.retry.attempts"
	cacheHitsMetric  = "credbroker.cache.hits"

	operationKey = attribute.Key("operation")
	outcomeKey   = attribute.Key("outcome")
	categoryKey  = attribute.Key("error.category")
	tierKey      = attribute.Key("tier")
)

// Credential records credential lifecycle metrics.
type Credential interface {
	// RecordOperation records one authenticate, refresh or federate call
	// that started at start and ended with err.
	RecordOperation(ctx context.Context, operation string, start time.Time, err error)
	// RecordRateLimitRejection records a password attempt blocked locally.
	RecordRateLimitRejection(ctx context.Context)
	// RecordRetry records one retry of operation.
	RecordRetry(ctx context.Context, operation string, category autherrors.Category)
	// RecordCacheHit records a call served from cache. tier is TierToken or
	// TierFederation.
	RecordCacheHit(ctx context.Context, tier string)
}

type credential struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	rejections metric.Int64Counter
	retries    metric.Int64Counter
	cacheHits  metric.Int64Counter
	now        func() time.Time
}

// NewCredential creates the instruments on meter.
func NewCredential(meter metric.Meter) (Credential, error) {
	c := &credential{now: time.Now}
	var err error
	if c.operations, err = meter.Int64Counter(operationsMetric,
		metric.WithDescription("Number of authentication, refresh and federation operations.")); err != nil {
		return nil, err
	}
	if c.duration, err = meter.Float64Histogram(durationMetric,
		metric.WithDescription("Duration of credential operations including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48, 40.96)); err != nil {
		return nil, err
	}
	if c.rejections, err = meter.Int64Counter(rejectionsMetric,
		metric.WithDescription("Password attempts rejected by the local rate limiter.")); err != nil {
		return nil, err
	}
	if c.retries, err = meter.Int64Counter(retryMetric,
		metric.WithDescription("Retried credential operation attempts.")); err != nil {
		return nil, err
	}
	if c.cacheHits, err = meter.Int64Counter(cacheHitsMetric,
		metric.WithDescription("Credential requests served without a network call.")); err != nil {
		return nil, err
	}
	return c, nil
}

// RecordOperation implements [Credential.RecordOperation].
func (c *credential) RecordOperation(ctx context.Context, operation string, start time.Time, err error) {
	attrs := []attribute.KeyValue{operationKey.String(operation), outcomeKey.String("success")}
	if err != nil {
		attrs[1] = outcomeKey.String("error")
		attrs = append(attrs, categoryKey.String(string(autherrors.CategoryOf(err))))
	}
	set := metric.WithAttributes(attrs...)
	c.operations.Add(ctx, 1, set)
	c.duration.Record(ctx, c.now().Sub(start).Seconds(), set)
}

// RecordRateLimitRejection implements [Credential.RecordRateLimitRejection].
func (c *credential) RecordRateLimitRejection(ctx context.Context) {
	c.rejections.Add(ctx, 1)
}

// RecordRetry implements [Credential.RecordRetry].
func (c *credential) RecordRetry(ctx context.Context, operation string, category autherrors.Category) {
	c.retries.Add(ctx, 1, metric.WithAttributes(operationKey.String(operation), categoryKey.String(string(category))))
}

// RecordCacheHit implements [Credential.RecordCacheHit].
func (c *credential) RecordCacheHit(ctx context.Context, tier string) {
	c.cacheHits.Add(ctx, 1, metric.WithAttributes(tierKey.String(tier)))
}
