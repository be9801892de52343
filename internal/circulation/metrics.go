// internal/circulation/metrics.go
package circulation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/libranexus/circulation/internal/errs"
)

type metrics struct {
	borrowRequests metric.Int64Counter
	returnLines    metric.Int64Counter
	fineAmount     metric.Int64Counter
	compensations  metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	m, err := buildMetrics(meter)
	if err != nil {
		// instruments only fail to build on invalid names
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(""))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.borrowRequests, err = meter.Int64Counter("circulation.borrow.requests",
		metric.WithDescription("Borrow requests by outcome")); err != nil {
		return nil, err
	}
	if m.returnLines, err = meter.Int64Counter("circulation.return.lines",
		metric.WithDescription("Return lines by outcome")); err != nil {
		return nil, err
	}
	if m.fineAmount, err = meter.Int64Counter("circulation.fines.amount",
		metric.WithDescription("Assessed fines in minor currency units")); err != nil {
		return nil, err
	}
	if m.compensations, err = meter.Int64Counter("circulation.borrow.compensations",
		metric.WithDescription("Copies released by borrow compensation")); err != nil {
		return nil, err
	}
	return &m, nil
}

func outcome(err error) attribute.KeyValue {
	if err == nil {
		return attribute.String("outcome", "ok")
	}
	return attribute.String("outcome", errs.KindOf(err).String())
}

func (m *metrics) borrowed(ctx context.Context, err error) {
	m.borrowRequests.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

func (m *metrics) returned(ctx context.Context, r LineResult) {
	m.returnLines.Add(ctx, 1, metric.WithAttributes(outcome(r.Err)))
	if r.Fine != nil {
		m.fineAmount.Add(ctx, int64(r.Fine.Amount), metric.WithAttributes(attribute.String("reason", string(r.Fine.Reason))))
	}
}

func (m *metrics) compensated(ctx context.Context, ok bool) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
