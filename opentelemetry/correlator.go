package opentelemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/go-correlator/correlate"
)

var _ correlate.Correlator = new(InstrumentedCorrelator)

// InstrumentedCorrelator is a wrapper type over a correlate.Correlator
// that traces every correlation pass, and counts the send Message Instances
// handled by outcome.
type InstrumentedCorrelator struct {
	correlator correlate.Correlator
	instrumentation

	outcomes metric.Int64Counter
}

// NewInstrumentedCorrelator returns a wrapper type to provide OpenTelemetry
// instrumentation (metrics and traces) around a correlate.Correlator.
func NewInstrumentedCorrelator(correlator correlate.Correlator, options ...Option) (*InstrumentedCorrelator, error) {
	cfg := newConfig(options...)
	meter := cfg.meter()

	duration, err := newDurationHistogram(meter,
		"correlator.pass.duration.milliseconds",
		"Duration in milliseconds of the correlation passes performed.",
	)
	if err != nil {
		return nil, fmt.Errorf("opentelemetry.NewInstrumentedCorrelator: %w", err)
	}

	outcomes, err := meter.Int64Counter("correlator.message_instances",
		metric.WithDescription("Number of message instances handled by the correlation passes, by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("opentelemetry.NewInstrumentedCorrelator: failed to register metric, %w", err)
	}

	return &InstrumentedCorrelator{
		correlator: correlator,
		outcomes:   outcomes,
		instrumentation: instrumentation{
			tracer:   cfg.tracer(),
			duration: duration,
		},
	}, nil
}

// CorrelateAllMessageInstances runs the wrapped correlation pass, and records
// metrics and traces around it.
func (c *InstrumentedCorrelator) CorrelateAllMessageInstances(ctx context.Context) (summary correlate.Summary, err error) {
	ctx, end := c.observe(ctx, "correlate.Correlator.CorrelateAllMessageInstances")
	defer func() { end(err) }()

	summary, err = c.correlator.CorrelateAllMessageInstances(ctx)

	counts := map[string]int{
		"delivered":    summary.Delivered,
		"instantiated": summary.Instantiated,
		"pending":      summary.Pending,
		"failed":       summary.Failed,
		"skipped":      summary.Skipped,
		"reclaimed":    summary.Reclaimed,
	}

	attributes := make([]attribute.KeyValue, 0, len(counts))

	for outcome, count := range counts {
		attributes = append(attributes, attribute.Int("summary."+outcome, count))

		if count > 0 {
			c.outcomes.Add(ctx, int64(count), metric.WithAttributes(OutcomeAttribute.String(outcome)))
		}
	}

	trace.SpanFromContext(ctx).SetAttributes(attributes...)

	return summary, err
}
