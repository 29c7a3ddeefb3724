// Package observe turns controller outcomes and lifecycle events into
// metrics. Each observer implements both tractor.Metrics and
// tractor.Notifier.
package observe

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/funderberkr/tractor"
)

// Prometheus exports controller metrics through client_golang.
type Prometheus struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	events     *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tractor_operations_total",
				Help: "Blueprint lifecycle operations by outcome.",
			},
			[]string{"op", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tractor_operation_duration_seconds",
				Help:    "Time spent in blueprint lifecycle operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tractor_events_total",
				Help: "Lifecycle notifications emitted.",
			},
			[]string{"kind"},
		),
	}
	for _, c := range []prometheus.Collector{p.operations, p.duration, p.events} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return p, nil
}

// Observe implements tractor.Metrics.
func (p *Prometheus) Observe(_ context.Context, op string, err error, elapsed time.Duration) {
	p.operations.WithLabelValues(op, tractor.Reason(err)).Inc()
	p.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Notify implements tractor.Notifier.
func (p *Prometheus) Notify(_ context.Context, e tractor.Event) {
	p.events.WithLabelValues(string(e.Kind)).Inc()
}
