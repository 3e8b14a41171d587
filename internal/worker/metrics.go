package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "flowqueue/worker"

// Metrics holds the worker instruments.
type Metrics struct {
	claimed      metric.Int64Counter
	acked        metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
	drained      metric.Int64Counter
	reclaimed    metric.Int64Counter
	conflicts    metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.claimed, "flowqueue.messages.claimed", "Messages claimed by workers."},
		{&m.acked, "flowqueue.messages.acked", "Messages completed successfully."},
		{&m.retried, "flowqueue.messages.retried", "Messages returned to pending after a retryable failure."},
		{&m.deadLettered, "flowqueue.messages.dead_lettered", "Messages moved to dead_letter."},
		{&m.drained, "flowqueue.messages.drained", "Messages of finished runs acked without execution."},
		{&m.reclaimed, "flowqueue.messages.reclaimed", "Expired leases reclaimed by the reaper."},
		{&m.conflicts, "flowqueue.messages.claim_conflicts", "Operations rejected because the receipt handle was stale."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	m.duration, err = meter.Float64Histogram("flowqueue.node.duration",
		metric.WithDescription("Node execution time."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}
	return &m, nil
}

// DefaultMetrics creates the instruments on the global meter provider.
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	if err != nil {
		// the global provider only fails on invalid instrument names
		panic(err)
	}
	return m
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

func (m *Metrics) observe(ctx context.Context, queue, nodeType, outcome string, elapsed time.Duration) {
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("node_type", nodeType),
		attribute.String("outcome", outcome),
	))
}
