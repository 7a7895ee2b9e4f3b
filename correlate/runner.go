package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-eventually/go-correlator/logger"
)

// Default values used by a Runner.
const (
	DefaultInterval    = 1 * time.Second
	DefaultMaxInterval = 30 * time.Second
)

// Runner invokes a Correlator periodically, until the context is canceled.
//
// The interval between passes grows exponentially while passes are idle
// or failing, up to MaxInterval, and is reset as soon as a pass
// consumes at least one Message Instance.
type Runner struct {
	Correlator Correlator
	Logger     logger.Logger

	// Interval is the minimum interval between each correlation pass.
	//
	// Defaults to DefaultInterval if unspecified or negative.
	Interval time.Duration

	// MaxInterval is the maximum interval between each correlation pass.
	// Use this value to bound the delivery latency of the messages.
	//
	// Defaults to DefaultMaxInterval if unspecified or negative.
	MaxInterval time.Duration
}

// Run starts running correlation passes, blocking until the context is canceled.
//
// Failed passes are logged and retried: Run only returns the context error.
func (r Runner) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval()
	b.MaxInterval = r.maxInterval()
	b.MaxElapsedTime = 0 // Don't stop the backoff!
	b.Reset()

	logger.Debug(r.Logger, "correlation runner is starting up",
		logger.With("initialInterval", b.InitialInterval),
		logger.With("maxInterval", b.MaxInterval),
	)

	for {
		summary, err := r.Correlator.CorrelateAllMessageInstances(ctx)

		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("correlate.Runner: stopped, %w", ctx.Err())

		case err != nil:
			logger.Error(r.Logger, "correlation pass failed",
				logger.Err(err),
				logger.With("summary", summary.String()),
			)

		case summary.Progressed():
			logger.Info(r.Logger, "correlation pass completed", logger.With("summary", summary.String()))
			b.Reset()

		default:
			logger.Debug(r.Logger, "correlation pass completed", logger.With("summary", summary.String()))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("correlate.Runner: stopped, %w", ctx.Err())
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (r Runner) interval() time.Duration {
	if r.Interval <= 0 {
		return DefaultInterval
	}

	return r.Interval
}

func (r Runner) maxInterval() time.Duration {
	if r.MaxInterval <= 0 {
		return DefaultMaxInterval
	}

	return r.MaxInterval
}
