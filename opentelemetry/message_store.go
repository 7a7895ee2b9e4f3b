package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/go-correlator/message"
)

var _ message.Store = new(InstrumentedMessageStore)

// InstrumentedMessageStore is a wrapper type over a message.Store
// instance to provide instrumentation, in the form of metrics and traces
// using OpenTelemetry.
//
// Use NewInstrumentedMessageStore for constructing a new instance of this type.
type InstrumentedMessageStore struct {
	store message.Store
	instrumentation
}

// NewInstrumentedMessageStore returns a wrapper type to provide OpenTelemetry
// instrumentation (metrics and traces) around a message.Store.
//
// An error is returned if metrics could not be registered.
func NewInstrumentedMessageStore(store message.Store, options ...Option) (*InstrumentedMessageStore, error) {
	cfg := newConfig(options...)

	duration, err := newDurationHistogram(cfg.meter(),
		"correlator.message_store.duration.milliseconds",
		"Duration in milliseconds of message.Store operations performed.",
	)
	if err != nil {
		return nil, fmt.Errorf("opentelemetry.NewInstrumentedMessageStore: %w", err)
	}

	return &InstrumentedMessageStore{
		store: store,
		instrumentation: instrumentation{
			tracer:   cfg.tracer(),
			duration: duration,
		},
	}, nil
}

// Append calls the wrapped message.Store.Append method and records metrics and traces around it.
func (s *InstrumentedMessageStore) Append(ctx context.Context, instances ...message.Instance) (err error) {
	ctx, end := s.observe(ctx, "message.Store.Append", NumInstancesAttribute.Int(len(instances)))
	defer func() { end(err) }()

	return s.store.Append(ctx, instances...)
}

// Get calls the wrapped message.Store.Get method and records metrics and traces around it.
func (s *InstrumentedMessageStore) Get(ctx context.Context, id uuid.UUID) (_ message.Instance, err error) {
	ctx, end := s.observe(ctx, "message.Store.Get", MessageInstanceIDAttribute.String(id.String()))
	defer func() { end(err) }()

	return s.store.Get(ctx, id)
}

// ReadyByDirection calls the wrapped message.Store.ReadyByDirection method
// and records metrics and traces around it.
func (s *InstrumentedMessageStore) ReadyByDirection(
	ctx context.Context,
	direction message.Direction,
) (_ []message.Instance, err error) {
	ctx, end := s.observe(ctx, "message.Store.ReadyByDirection", MessageDirectionAttribute.String(string(direction)))
	defer func() { end(err) }()

	return s.store.ReadyByDirection(ctx, direction)
}

// ReadyByMessageName calls the wrapped message.Store.ReadyByMessageName method
// and records metrics and traces around it.
func (s *InstrumentedMessageStore) ReadyByMessageName(
	ctx context.Context,
	direction message.Direction,
	names ...string,
) (_ []message.Instance, err error) {
	ctx, end := s.observe(ctx, "message.Store.ReadyByMessageName",
		MessageDirectionAttribute.String(string(direction)),
		MessageNameAttribute.StringSlice(names),
	)
	defer func() { end(err) }()

	return s.store.ReadyByMessageName(ctx, direction, names...)
}

// ByProcessInstance calls the wrapped message.Store.ByProcessInstance method
// and records metrics and traces around it.
func (s *InstrumentedMessageStore) ByProcessInstance(
	ctx context.Context,
	processInstanceID string,
) (_ []message.Instance, err error) {
	ctx, end := s.observe(ctx, "message.Store.ByProcessInstance", ProcessInstanceIDAttribute.String(processInstanceID))
	defer func() { end(err) }()

	return s.store.ByProcessInstance(ctx, processInstanceID)
}

// Claim calls the wrapped message.Store.Claim method and records metrics and traces around it.
func (s *InstrumentedMessageStore) Claim(ctx context.Context, id uuid.UUID, claim message.Claim) (err error) {
	ctx, end := s.observe(ctx, "message.Store.Claim", MessageInstanceIDAttribute.String(id.String()))
	defer func() { end(err) }()

	return s.store.Claim(ctx, id, claim)
}

// Release calls the wrapped message.Store.Release method and records metrics and traces around it.
func (s *InstrumentedMessageStore) Release(ctx context.Context, id, token uuid.UUID) (err error) {
	ctx, end := s.observe(ctx, "message.Store.Release", MessageInstanceIDAttribute.String(id.String()))
	defer func() { end(err) }()

	return s.store.Release(ctx, id, token)
}

// Complete calls the wrapped message.Store.Complete method and records metrics and traces around it.
func (s *InstrumentedMessageStore) Complete(
	ctx context.Context,
	token uuid.UUID,
	finishedAt time.Time,
	completions ...message.Completion,
) (err error) {
	ctx, end := s.observe(ctx, "message.Store.Complete", NumInstancesAttribute.Int(len(completions)))
	defer func() { end(err) }()

	return s.store.Complete(ctx, token, finishedAt, completions...)
}

// Fail calls the wrapped message.Store.Fail method and records metrics and traces around it.
func (s *InstrumentedMessageStore) Fail(
	ctx context.Context,
	id, token uuid.UUID,
	finishedAt time.Time,
	cause string,
) (err error) {
	ctx, end := s.observe(ctx, "message.Store.Fail", MessageInstanceIDAttribute.String(id.String()))
	defer func() { end(err) }()

	return s.store.Fail(ctx, id, token, finishedAt, cause)
}

// ReclaimStale calls the wrapped message.Store.ReclaimStale method and records metrics and traces around it.
func (s *InstrumentedMessageStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (_ int, err error) {
	ctx, end := s.observe(ctx, "message.Store.ReclaimStale")
	defer func() { end(err) }()

	return s.store.ReclaimStale(ctx, claimedBefore)
}
