package opentelemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/process"
)

var _ process.Engine = new(InstrumentedEngine)

// InstrumentedEngine is a wrapper type over a process.Engine
// to provide OpenTelemetry metrics and traces.
type InstrumentedEngine struct {
	engine process.Engine
	instrumentation
}

// NewInstrumentedEngine returns a wrapper type to provide OpenTelemetry
// instrumentation (metrics and traces) around a process.Engine.
func NewInstrumentedEngine(engine process.Engine, options ...Option) (*InstrumentedEngine, error) {
	cfg := newConfig(options...)

	duration, err := newDurationHistogram(cfg.meter(),
		"correlator.engine.duration.milliseconds",
		"Duration in milliseconds of process.Engine calls performed.",
	)
	if err != nil {
		return nil, fmt.Errorf("opentelemetry.NewInstrumentedEngine: %w", err)
	}

	return &InstrumentedEngine{
		engine: engine,
		instrumentation: instrumentation{
			tracer:   cfg.tracer(),
			duration: duration,
		},
	}, nil
}

// Deliver calls the wrapped process.Engine.Deliver method and records metrics and traces around it.
func (e *InstrumentedEngine) Deliver(
	ctx context.Context,
	id process.InstanceID,
	receiveID uuid.UUID,
	payload message.Payload,
) (err error) {
	ctx, end := e.observe(ctx, "process.Engine.Deliver",
		ProcessInstanceIDAttribute.String(string(id)),
		MessageInstanceIDAttribute.String(receiveID.String()),
	)
	defer func() { end(err) }()

	return e.engine.Deliver(ctx, id, receiveID, payload)
}

// StartInstance calls the wrapped process.Engine.StartInstance method and records metrics and traces around it.
func (e *InstrumentedEngine) StartInstance(
	ctx context.Context,
	model process.ModelID,
	payload message.Payload,
) (_ process.Ref, err error) {
	ctx, end := e.observe(ctx, "process.Engine.StartInstance", ProcessModelAttribute.String(string(model)))
	defer func() { end(err) }()

	return e.engine.StartInstance(ctx, model, payload)
}
