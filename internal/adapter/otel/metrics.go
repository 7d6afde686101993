package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentplane"

// Metrics holds the agentplane metric instruments.
type Metrics struct {
	Deploys         metric.Int64Counter
	Transitions     metric.Int64Counter
	Crashes         metric.Int64Counter
	LogLines        metric.Int64Counter
	BackendDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Deploys, err = meter.Int64Counter("agentplane.deploys",
		metric.WithDescription("Number of agent deployments"))
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("agentplane.instance.transitions",
		metric.WithDescription("Number of instance status transitions"))
	if err != nil {
		return nil, err
	}

	m.Crashes, err = meter.Int64Counter("agentplane.instance.crashes",
		metric.WithDescription("Number of instances that exited unexpectedly"))
	if err != nil {
		return nil, err
	}

	m.LogLines, err = meter.Int64Counter("agentplane.log.lines",
		metric.WithDescription("Number of captured agent log lines"))
	if err != nil {
		return nil, err
	}

	m.BackendDuration, err = meter.Float64Histogram("agentplane.backend.duration_seconds",
		metric.WithDescription("Execution backend call duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The Record* helpers are nil-safe so callers can run without metrics.

// RecordDeploy counts a deployment of the given kind.
func (m *Metrics) RecordDeploy(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Deploys.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	if to == "crashed" {
		m.Crashes.Add(ctx, 1)
	}
}

// RecordLogLine counts one captured line for a stream.
func (m *Metrics) RecordLogLine(ctx context.Context, stream string) {
	if m == nil {
		return
	}
	m.LogLines.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordBackendCall records how long a backend operation took.
func (m *Metrics) RecordBackendCall(ctx context.Context, kind, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.BackendDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
