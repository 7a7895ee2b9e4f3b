// Package opentelemetry provides wrappers around the correlation engine
// interfaces that record metrics and traces using OpenTelemetry.
package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used by the instrumentation.
const (
	ErrorAttribute             attribute.Key = "error"
	OperationAttribute         attribute.Key = "operation"
	MessageInstanceIDAttribute attribute.Key = "message_instance.id"
	MessageNameAttribute       attribute.Key = "message.name"
	MessageDirectionAttribute  attribute.Key = "message.direction"
	NumInstancesAttribute      attribute.Key = "message_instance.count"
	ProcessInstanceIDAttribute attribute.Key = "process_instance.id"
	ProcessModelAttribute      attribute.Key = "process_model.id"
	OutcomeAttribute           attribute.Key = "outcome"
)

func newDurationHistogram(meter metric.Meter, name, description string) (metric.Int64Histogram, error) {
	histogram, err := meter.Int64Histogram(name,
		metric.WithUnit("ms"),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register metric %s, %w", name, err)
	}

	return histogram, nil
}

// instrumentation records a span and a duration measure for every
// operation of a wrapped component.
type instrumentation struct {
	tracer   trace.Tracer
	duration metric.Int64Histogram
}

// observe starts a new span named after the operation and returns
// the function that ends it, to be called with the operation result.
func (i instrumentation) observe(
	ctx context.Context,
	operation string,
	attributes ...attribute.KeyValue,
) (context.Context, func(err error)) {
	ctx, span := i.tracer.Start(ctx, operation, trace.WithAttributes(attributes...))
	start := time.Now()

	return ctx, func(err error) {
		i.duration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(
			OperationAttribute.String(operation),
			ErrorAttribute.Bool(err != nil),
		))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}
}
