package observe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/funderberkr/tractor"
)

// OTel records controller metrics with an OpenTelemetry meter.
type OTel struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	events     metric.Int64Counter
}

// NewOTel creates the instruments on meter.
func NewOTel(meter metric.Meter) (*OTel, error) {
	operations, err := meter.Int64Counter("tractor.operations",
		metric.WithDescription("Blueprint lifecycle operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}
	duration, err := meter.Float64Histogram("tractor.operation.duration",
		metric.WithDescription("Time spent in blueprint lifecycle operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	events, err := meter.Int64Counter("tractor.events",
		metric.WithDescription("Lifecycle notifications emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}
	return &OTel{operations: operations, duration: duration, events: events}, nil
}

// Observe implements tractor.Metrics.
func (o *OTel) Observe(ctx context.Context, op string, err error, elapsed time.Duration) {
	o.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", tractor.Reason(err)),
	))
	o.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// Notify implements tractor.Notifier.
func (o *OTel) Notify(ctx context.Context, e tractor.Event) {
	o.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))
}
