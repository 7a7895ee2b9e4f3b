package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/get-eventually/go-correlator/correlation"
	"github.com/get-eventually/go-correlator/logger"
	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/process"
)

// DefaultClaimTimeout is the age after which a claim is considered
// abandoned by a crashed pass, and reclaimed.
const DefaultClaimTimeout = 5 * time.Minute

// Instantiator starts new process instances from message start events.
//
// process.Instantiator implements this interface.
type Instantiator interface {
	InstantiateForMessageStart(ctx context.Context, name string, payload message.Payload) (process.Ref, error)
}

var _ Correlator = new(Coordinator)

// Coordinator is the Delivery Coordinator: it drives a correlation pass
// over all the ready send Message Instances in the Store.
//
// Every status change goes through the Store compare-and-swap transitions,
// so that multiple Coordinators can run concurrently against the same Store
// without delivering the same Message Instance more than once.
type Coordinator struct {
	Store        message.Store
	Matcher      correlation.Matcher
	Instantiator Instantiator
	Engine       process.Engine
	Logger       logger.Logger

	// ClaimTimeout is the age after which a claim is reclaimed.
	//
	// Defaults to DefaultClaimTimeout if unspecified or negative.
	ClaimTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeDelivered
	outcomeInstantiated
	outcomeFailed
	outcomeSkipped
)

func (s *Summary) record(o outcome) {
	switch o {
	case outcomeDelivered:
		s.Delivered++
	case outcomeInstantiated:
		s.Instantiated++
	case outcomeFailed:
		s.Failed++
	case outcomeSkipped:
		s.Skipped++
	default:
		s.Pending++
	}
}

// CorrelateAllMessageInstances runs a single correlation pass.
//
// Every ready send Message Instance is either delivered to the oldest
// matching receive Message Instance, used to start a new process instance,
// failed, or left ready for the next pass.
//
// Only storage failures abort the pass: the error is returned together with
// the Summary of the work done until then.
func (c *Coordinator) CorrelateAllMessageInstances(ctx context.Context) (Summary, error) {
	var summary Summary

	reclaimed, err := c.Store.ReclaimStale(ctx, c.now().Add(-c.claimTimeout()))
	if err != nil {
		return summary, fmt.Errorf("correlate.Coordinator: failed to reclaim stale claims, %w", err)
	}

	summary.Reclaimed = reclaimed

	if reclaimed > 0 {
		logger.Info(c.Logger, "stale message instance claims reclaimed", logger.With("count", reclaimed))
	}

	sends, err := c.Store.ReadyByDirection(ctx, message.Send)
	if err != nil {
		return summary, fmt.Errorf("correlate.Coordinator: failed to list ready send instances, %w", err)
	}

	for _, send := range sends {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("correlate.Coordinator: pass interrupted, %w", err)
		}

		o, err := c.correlate(ctx, send)
		if err != nil {
			return summary, fmt.Errorf("correlate.Coordinator: message instance '%s', %w", send.ID, err)
		}

		summary.record(o)
	}

	return summary, nil
}

func (c *Coordinator) correlate(ctx context.Context, send message.Instance) (outcome, error) {
	claim := message.NewClaim(c.now())

	if err := c.Store.Claim(ctx, send.ID, claim); err != nil {
		return c.skipOnConflict(send, err, "failed to claim send instance")
	}

	sendValue, err := c.Matcher.Extractor.Extract(ctx, send)
	if err != nil {
		logger.Info(c.Logger, "correlation values not available yet, message instance left ready",
			logger.With("messageInstanceId", send.ID),
			logger.With("messageName", send.Name),
			logger.With("reason", err),
		)

		return c.release(ctx, send, claim)
	}

	compatible := c.Matcher.Extractor.Registry.CompatibleNames(send.Name)

	receives, err := c.Store.ReadyByMessageName(ctx, message.Receive, compatible...)
	if err != nil {
		err = fmt.Errorf("failed to list ready receive instances, %w", err)
		return outcomePending, multierr.Append(err, c.Store.Release(ctx, send.ID, claim.Token))
	}

	candidates := c.Matcher.Candidates(ctx, send, sendValue, receives)

	for _, receive := range candidates {
		err := c.Store.Claim(ctx, receive.ID, claim)
		if errors.Is(err, message.ErrClaimConflict) {
			logger.Debug(c.Logger, "receive instance claimed concurrently, trying next candidate",
				logger.With("messageInstanceId", send.ID),
				logger.With("receiveInstanceId", receive.ID),
			)

			continue
		}

		if err != nil {
			err = fmt.Errorf("failed to claim receive instance '%s', %w", receive.ID, err)
			return outcomePending, multierr.Append(err, c.Store.Release(ctx, send.ID, claim.Token))
		}

		return c.deliver(ctx, send, receive, claim)
	}

	if len(candidates) > 0 {
		// All the matching receives have been claimed concurrently,
		// retry on the next pass.
		return c.release(ctx, send, claim)
	}

	return c.instantiate(ctx, send, claim)
}

func (c *Coordinator) deliver(
	ctx context.Context,
	send, receive message.Instance,
	claim message.Claim,
) (outcome, error) {
	target := process.InstanceID(receive.ProcessInstanceID)

	if err := c.Engine.Deliver(ctx, target, receive.ID, send.Payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcomePending, multierr.Combine(
				ctxErr,
				c.Store.Release(context.WithoutCancel(ctx), send.ID, claim.Token),
				c.Store.Release(context.WithoutCancel(ctx), receive.ID, claim.Token),
			)
		}

		logger.Error(c.Logger, "failed to deliver message instance",
			logger.With("messageInstanceId", send.ID),
			logger.With("receiveInstanceId", receive.ID),
			logger.With("processInstanceId", target),
			logger.Err(err),
		)

		cause := fmt.Sprintf("delivery to process instance '%s' failed: %v", target, err)

		if err := c.Store.Release(context.WithoutCancel(ctx), receive.ID, claim.Token); err != nil &&
			!errors.Is(err, message.ErrClaimConflict) {
			return outcomePending, multierr.Append(
				fmt.Errorf("failed to release receive instance '%s', %w", receive.ID, err),
				c.Store.Fail(context.WithoutCancel(ctx), send.ID, claim.Token, c.now(), cause),
			)
		}

		return c.fail(ctx, send, claim, cause)
	}

	// The message has reached the engine: the outcome must be recorded
	// even if the pass is being cancelled.
	err := c.Store.Complete(context.WithoutCancel(ctx), claim.Token, c.now(),
		message.Completion{
			ID:                      send.ID,
			CounterpartID:           receive.ID,
			TargetProcessInstanceID: receive.ProcessInstanceID,
		},
		message.Completion{
			ID:                      receive.ID,
			CounterpartID:           send.ID,
			TargetProcessInstanceID: receive.ProcessInstanceID,
		},
	)
	if err != nil {
		return c.skipOnConflict(send, err, "message delivered, but failed to complete instances")
	}

	logger.Info(c.Logger, "message instance delivered",
		logger.With("messageInstanceId", send.ID),
		logger.With("messageName", send.Name),
		logger.With("receiveInstanceId", receive.ID),
		logger.With("processInstanceId", target),
	)

	return outcomeDelivered, nil
}

func (c *Coordinator) instantiate(ctx context.Context, send message.Instance, claim message.Claim) (outcome, error) {
	ref, err := c.Instantiator.InstantiateForMessageStart(ctx, send.Name, send.Payload)

	var instantiationErr *process.InstantiationError

	switch {
	case errors.Is(err, process.ErrNoRoute):
		logger.Debug(c.Logger, "no receiver for message instance yet, left ready",
			logger.With("messageInstanceId", send.ID),
			logger.With("messageName", send.Name),
		)

		return c.release(ctx, send, claim)

	case err != nil && ctx.Err() != nil:
		return outcomePending, multierr.Append(
			ctx.Err(),
			c.Store.Release(context.WithoutCancel(ctx), send.ID, claim.Token),
		)

	case errors.As(err, &instantiationErr):
		logger.Error(c.Logger, "failed to start process instance for message instance",
			logger.With("messageInstanceId", send.ID),
			logger.With("messageName", send.Name),
			logger.With("processModel", instantiationErr.Model),
			logger.Err(err),
		)

		return c.fail(ctx, send, claim, err.Error())

	case err != nil:
		logger.Error(c.Logger, "unexpected failure while starting process instance",
			logger.With("messageInstanceId", send.ID),
			logger.Err(err),
		)

		return c.fail(ctx, send, claim, err.Error())
	}

	err = c.Store.Complete(context.WithoutCancel(ctx), claim.Token, c.now(), message.Completion{
		ID:                      send.ID,
		TargetProcessInstanceID: string(ref.ID),
	})
	if err != nil {
		return c.skipOnConflict(send, err, "process instance started, but failed to complete instance")
	}

	logger.Info(c.Logger, "process instance started by message instance",
		logger.With("messageInstanceId", send.ID),
		logger.With("messageName", send.Name),
		logger.With("processInstanceId", ref.ID),
		logger.With("processModel", ref.ModelID),
	)

	return outcomeInstantiated, nil
}

func (c *Coordinator) release(ctx context.Context, send message.Instance, claim message.Claim) (outcome, error) {
	if err := c.Store.Release(ctx, send.ID, claim.Token); err != nil {
		return c.skipOnConflict(send, err, "failed to release send instance")
	}

	return outcomePending, nil
}

func (c *Coordinator) fail(ctx context.Context, send message.Instance, claim message.Claim, cause string) (outcome, error) {
	if err := c.Store.Fail(context.WithoutCancel(ctx), send.ID, claim.Token, c.now(), cause); err != nil {
		return c.skipOnConflict(send, err, "failed to mark send instance as failed")
	}

	return outcomeFailed, nil
}

// skipOnConflict turns claim conflicts into a skipped outcome,
// and returns any other error as is.
func (c *Coordinator) skipOnConflict(send message.Instance, err error, msg string) (outcome, error) {
	if !errors.Is(err, message.ErrClaimConflict) {
		return outcomePending, fmt.Errorf("%s, %w", msg, err)
	}

	logger.Debug(c.Logger, "message instance handled concurrently, skipped",
		logger.With("messageInstanceId", send.ID),
		logger.With("reason", msg),
	)

	return outcomeSkipped, nil
}

func (c *Coordinator) claimTimeout() time.Duration {
	if c.ClaimTimeout <= 0 {
		return DefaultClaimTimeout
	}

	return c.ClaimTimeout
}

func (c *Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}

	return c.Now()
}
