// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/luxfi/shmrpc/internal/logger"
)

const instrumentationName = "github.com/luxfi/shmrpc"

var (
	attrSystem = attribute.String("rpc.system", "shmrpc")
	keyMethod  = attribute.Key("rpc.method")
	keyStatus  = attribute.Key("rpc.shmrpc.status")
	keyChannel = attribute.Key("rpc.shmrpc.channel")
)

// latencyBuckets are in seconds and skewed toward the microsecond range a
// shared-memory round trip lives in.
var latencyBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005,
	0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
}

func meterFor(cfg *Config) metric.Meter {
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return mp.Meter(instrumentationName)
}

func tracerFor(cfg *Config) trace.Tracer {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

type clientMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
	late     metric.Int64Counter
}

func newClientMetrics(m metric.Meter) *clientMetrics {
	var errs [4]error
	cm := &clientMetrics{}
	cm.calls, errs[0] = m.Int64Counter("shmrpc.client.calls",
		metric.WithDescription("Completed client calls by method and status."),
		metric.WithUnit("{call}"))
	cm.duration, errs[1] = m.Float64Histogram("shmrpc.client.duration",
		metric.WithDescription("Client call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	cm.inflight, errs[2] = m.Int64UpDownCounter("shmrpc.client.inflight",
		metric.WithDescription("Calls waiting for a response."),
		metric.WithUnit("{call}"))
	cm.late, errs[3] = m.Int64Counter("shmrpc.client.late_responses",
		metric.WithDescription("Responses discarded because their call had already ended."),
		metric.WithUnit("{response}"))
	if err := errors.Join(errs[:]...); err != nil {
		logger.Warn("client metrics: %v", err)
	}
	return cm
}

func (m *clientMetrics) begin(ctx context.Context, method string) {
	m.inflight.Add(ctx, 1, metric.WithAttributes(attrSystem, keyMethod.String(metricMethod(method))))
}

func (m *clientMetrics) end(ctx context.Context, method string, start time.Time, err error) {
	method = metricMethod(method)
	m.inflight.Add(ctx, -1, metric.WithAttributes(attrSystem, keyMethod.String(method)))
	attrs := metric.WithAttributes(attrSystem, keyMethod.String(method), keyStatus.String(Code(err).String()))
	m.calls.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

type serverMetrics struct {
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	dropped   metric.Int64Counter
	malformed metric.Int64Counter
}

func newServerMetrics(m metric.Meter) *serverMetrics {
	var errs [4]error
	sm := &serverMetrics{}
	sm.requests, errs[0] = m.Int64Counter("shmrpc.server.requests",
		metric.WithDescription("Handled requests by method and status."),
		metric.WithUnit("{request}"))
	sm.duration, errs[1] = m.Float64Histogram("shmrpc.server.duration",
		metric.WithDescription("Handler latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	sm.dropped, errs[2] = m.Int64Counter("shmrpc.server.dropped_responses",
		metric.WithDescription("Responses dropped because the response queue stayed full."),
		metric.WithUnit("{response}"))
	sm.malformed, errs[3] = m.Int64Counter("shmrpc.server.malformed",
		metric.WithDescription("Request slots that could not be decoded."),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil {
		logger.Warn("server metrics: %v", err)
	}
	return sm
}

func (m *serverMetrics) handled(ctx context.Context, method string, start time.Time, code StatusCode) {
	attrs := metric.WithAttributes(attrSystem, keyMethod.String(metricMethod(method)), keyStatus.String(code.String()))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// metricMethod names heartbeats, which carry no method.
func metricMethod(method string) string {
	if method == "" {
		return "heartbeat"
	}
	return method
}
