package opentelemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/get-eventually/go-correlator/opentelemetry"

type config struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func (c config) meter() metric.Meter {
	return c.meterProvider.Meter(instrumentationName)
}

func (c config) tracer() trace.Tracer {
	return c.tracerProvider.Tracer(instrumentationName)
}

// Option specifies instrumentation configuration options.
type Option func(*config)

// WithMeterProvider specifies the metric.MeterProvider used by the instrumentation.
// The global provider is used by default.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) { c.meterProvider = provider }
}

// WithTracerProvider specifies the trace.TracerProvider used by the instrumentation.
// The global provider is used by default.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = provider }
}

func newConfig(options ...Option) config {
	c := config{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}

	for _, opt := range options {
		opt(&c)
	}

	return c
}
