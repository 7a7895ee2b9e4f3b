// Package correlate contains the Delivery Coordinator, the component that
// matches send Message Instances with the receive Message Instances
// waiting for them, or with the process models that can be started by them.
//
// Correlation is performed in batch passes: a single pass delivers every
// message that can be delivered at the time it starts. Messages produced
// as a consequence of a delivery are picked up by the following passes,
// so callers are expected to invoke the Correlator periodically (see Runner).
package correlate

import (
	"context"
	"fmt"
)

// Summary reports the outcome of a single correlation pass.
type Summary struct {
	// Delivered is the number of send Message Instances delivered
	// to a waiting receive Message Instance.
	Delivered int

	// Instantiated is the number of send Message Instances that
	// started a new process instance.
	Instantiated int

	// Pending is the number of send Message Instances left ready
	// for the next passes.
	Pending int

	// Failed is the number of send Message Instances moved to failed.
	Failed int

	// Skipped is the number of send Message Instances handled
	// concurrently by another pass.
	Skipped int

	// Reclaimed is the number of stale claims moved back to ready.
	Reclaimed int
}

// Progressed returns true if the pass has consumed at least one send Message Instance.
func (s Summary) Progressed() bool {
	return s.Delivered+s.Instantiated+s.Failed > 0
}

// Add returns the sum of the two Summaries.
func (s Summary) Add(other Summary) Summary {
	return Summary{
		Delivered:    s.Delivered + other.Delivered,
		Instantiated: s.Instantiated + other.Instantiated,
		Pending:      s.Pending + other.Pending,
		Failed:       s.Failed + other.Failed,
		Skipped:      s.Skipped + other.Skipped,
		Reclaimed:    s.Reclaimed + other.Reclaimed,
	}
}

// String returns a compact representation of the Summary, used in logs.
func (s Summary) String() string {
	return fmt.Sprintf(
		"delivered=%d instantiated=%d pending=%d failed=%d skipped=%d reclaimed=%d",
		s.Delivered, s.Instantiated, s.Pending, s.Failed, s.Skipped, s.Reclaimed,
	)
}

// Correlator runs correlation passes.
type Correlator interface {
	CorrelateAllMessageInstances(ctx context.Context) (Summary, error)
}

// CorrelatorFunc is a functional implementation of the Correlator interface.
type CorrelatorFunc func(ctx context.Context) (Summary, error)

// CorrelateAllMessageInstances implements the Correlator interface.
func (fn CorrelatorFunc) CorrelateAllMessageInstances(ctx context.Context) (Summary, error) {
	return fn(ctx)
}
