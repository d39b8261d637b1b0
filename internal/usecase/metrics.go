package usecase

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newRelayMetrics(meter metric.Meter) (*relayMetrics, error) {
	requests, err := meter.Int64Counter("relay.requests",
		metric.WithDescription("Relayed detection requests by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("relay.upstream.duration",
		metric.WithDescription("Time spent waiting on the detection provider"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &relayMetrics{requests: requests, latency: latency}, nil
}

func (m *relayMetrics) record(ctx context.Context, outcome string, upstreamStatus int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("upstream.status", upstreamStatus),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}
