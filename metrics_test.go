// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMeterProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func matches(set attribute.Set, want map[string]string) bool {
	for k, v := range want {
		got, ok := set.Value(attribute.Key(k))
		if !ok || got.AsString() != v {
			return false
		}
	}
	return true
}

// sumCounter adds up the data points of an int64 sum whose attributes
// contain want.
func sumCounter(t *testing.T, reader *sdkmetric.ManualReader, name string, want map[string]string) int64 {
	t.Helper()
	var total int64
	for _, sm := range collect(t, reader).ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if matches(dp.Attributes, want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var total uint64
	for _, sm := range collect(t, reader).ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("%s is %T, want Histogram[float64]", name, m.Data)
			}
			for _, dp := range h.DataPoints {
				total += dp.Count
			}
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientMP, clientReader := newTestMeterProvider()
	serverMP, serverReader := newTestMeterProvider()

	ch := testChannel(t)
	startServer(t, ch, WithMeterProvider(serverMP))
	client := dialClient(t, ch, WithMeterProvider(clientMP))

	for i := 0; i < 3; i++ {
		if _, err := Invoke[addReply](ctx, client, "add", addArgs{i, i}); err != nil {
			t.Fatal(err)
		}
	}
	client.Call(ctx, "missing", nil, nil)

	tests := []struct {
		name   string
		reader *sdkmetric.ManualReader
		metric string
		attrs  map[string]string
		want   int64
	}{
		{"client ok", clientReader, "shmrpc.client.calls", map[string]string{"rpc.method": "add", "rpc.shmrpc.status": "ok"}, 3},
		{"client not found", clientReader, "shmrpc.client.calls", map[string]string{"rpc.method": "missing", "rpc.shmrpc.status": "method not found"}, 1},
		{"client heartbeat", clientReader, "shmrpc.client.calls", map[string]string{"rpc.method": "heartbeat"}, 1},
		{"client inflight", clientReader, "shmrpc.client.inflight", nil, 0},
		{"server ok", serverReader, "shmrpc.server.requests", map[string]string{"rpc.method": "add", "rpc.shmrpc.status": "ok"}, 3},
		{"server not found", serverReader, "shmrpc.server.requests", map[string]string{"rpc.method": "missing"}, 1},
		{"server dropped", serverReader, "shmrpc.server.dropped_responses", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumCounter(t, tc.reader, tc.metric, tc.attrs); got != tc.want {
				t.Errorf("%s%v = %d, want %d", tc.metric, tc.attrs, got, tc.want)
			}
		})
	}

	if got := histogramCount(t, clientReader, "shmrpc.client.duration"); got != 5 {
		t.Errorf("client duration samples = %d, want 5", got)
	}
}
