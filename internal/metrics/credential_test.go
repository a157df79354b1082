// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/envoyproxy/credbroker/internal/autherrors"
)

func newTestCredential(t *testing.T) (*credential, *sdkmetric.ManualReader) {
	t.Helper()
	mr := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)).Meter("test")
	c, err := NewCredential(meter)
	require.NoError(t, err)
	return c.(*credential), mr
}

func collect(t *testing.T, mr *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(t.Context(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestCredential_RecordOperation(t *testing.T) {
	c, mr := newTestCredential(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.RecordOperation(t.Context(), "authenticate", now.Add(-1500*time.Millisecond), nil)
	c.RecordOperation(t.Context(), "refresh", now.Add(-time.Second), &net.DNSError{Err: "no such host"})
	c.RecordOperation(t.Context(), "refresh", now, errors.New("other"))

	data := collect(t, mr)
	ops := data[operationsMetric]
	assert.Equal(t, int64(1), sumFor(t, ops, operationKey.String("authenticate"), outcomeKey.String("success")))
	assert.Equal(t, int64(1), sumFor(t, ops, operationKey.String("refresh"), outcomeKey.String("error"),
		categoryKey.String(string(autherrors.CategoryNetwork))))
	assert.Equal(t, int64(1), sumFor(t, ops, operationKey.String("refresh"), outcomeKey.String("error"),
		categoryKey.String(string(autherrors.CategoryUnknown))))

	hist, ok := data[durationMetric].(metricdata.Histogram[float64])
	require.True(t, ok)
	want := attribute.NewSet(operationKey.String("authenticate"), outcomeKey.String("success"))
	var found bool
	for _, dp := range hist.DataPoints {
		if dp.Attributes.Equals(&want) {
			found = true
			assert.Equal(t, uint64(1), dp.Count)
			assert.InDelta(t, 1.5, dp.Sum, 1e-9)
		}
	}
	require.True(t, found)
}

func TestCredential_Counters(t *testing.T) {
	c, mr := newTestCredential(t)
	c.RecordRateLimitRejection(t.Context())
	c.RecordRateLimitRejection(t.Context())
	c.RecordRetry(t.Context(), "federation.exchange", autherrors.CategoryFederation)
	c.RecordCacheHit(t.Context(), TierToken)
	c.RecordCacheHit(t.Context(), TierToken)
	c.RecordCacheHit(t.Context(), TierFederation)

	data := collect(t, mr)
	assert.Equal(t, int64(2), sumFor(t, data[rejectionsMetric]))
	assert.Equal(t, int64(1), sumFor(t, data[retryMetric],
		operationKey.String("federation.exchange"), categoryKey.String("FEDERATION")))
	assert.Equal(t, int64(2), sumFor(t, data[cacheHitsMetric], tierKey.String(TierToken)))
	assert.Equal(t, int64(1), sumFor(t, data[cacheHitsMetric], tierKey.String(TierFederation)))
}
