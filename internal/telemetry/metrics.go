package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments of the sync core. A nil *Metrics records
// nothing.
type Metrics struct {
	submits            metric.Int64Counter
	rejected           metric.Int64Counter
	completionFailures metric.Int64Counter
	completionLatency  metric.Float64Histogram
	reconciled         metric.Int64Counter
	writeRetries       metric.Int64Counter
	writeDrops         metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.submits, err = meter.Int64Counter("chatsync.submits",
		metric.WithDescription("Accepted user submissions")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("chatsync.submits.rejected",
		metric.WithDescription("Submissions rejected before any work")); err != nil {
		return nil, err
	}
	if m.completionFailures, err = meter.Int64Counter("chatsync.completion.failures",
		metric.WithDescription("Completion calls converted to a failure entry")); err != nil {
		return nil, err
	}
	if m.completionLatency, err = meter.Float64Histogram("chatsync.completion.duration",
		metric.WithDescription("Completion call latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.reconciled, err = meter.Int64Counter("chatsync.reconcile",
		metric.WithDescription("Pushed inserts by reconciliation outcome")); err != nil {
		return nil, err
	}
	if m.writeRetries, err = meter.Int64Counter("chatsync.outbox.retries",
		metric.WithDescription("Persistence writes scheduled for retry")); err != nil {
		return nil, err
	}
	if m.writeDrops, err = meter.Int64Counter("chatsync.outbox.dropped",
		metric.WithDescription("Persistence writes abandoned")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default builds Metrics on the global meter provider. It returns nil when
// the instruments cannot be created.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter(ServiceName))
	if err != nil {
		return nil
	}
	return m
}

func (m *Metrics) Submitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.submits.Add(ctx, 1)
}

func (m *Metrics) Rejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) CompletionDone(ctx context.Context, took time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.completionLatency.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.Bool("failed", failed)))
	if failed {
		m.completionFailures.Add(ctx, 1)
	}
}

func (m *Metrics) Reconciled(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) WriteRetried(ctx context.Context, job string) {
	if m == nil {
		return
	}
	m.writeRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job)))
}

func (m *Metrics) WriteDropped(ctx context.Context, job string) {
	if m == nil {
		return
	}
	m.writeDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job)))
}
