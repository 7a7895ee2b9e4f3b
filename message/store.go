package message

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// All the errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested Instance does not exist.
	ErrNotFound = errors.New("message: instance not found")

	// ErrAlreadyExists is returned when appending an Instance whose
	// identifier is already used.
	ErrAlreadyExists = errors.New("message: instance already exists")

	// ErrClaimConflict is returned when a status transition is attempted
	// on an Instance that is no longer in the expected status, or that is
	// claimed using a different claim token.
	ErrClaimConflict = errors.New("message: instance status changed concurrently")
)

// Claim marks an Instance as being processed by a correlation pass.
//
// The Token identifies the claim holder: transitions out of the
// running status are only accepted from whoever holds the same Token.
type Claim struct {
	Token uuid.UUID
	At    time.Time
}

// NewClaim returns a new Claim with a random token.
func NewClaim(at time.Time) Claim {
	return Claim{Token: uuid.New(), At: at}
}

// Completion describes how a claimed Instance has been consumed.
type Completion struct {
	ID uuid.UUID

	// CounterpartID is the Instance on the other side of the delivery,
	// if any. It is uuid.Nil when the Instance was consumed by starting
	// a new process instance.
	CounterpartID uuid.UUID

	// TargetProcessInstanceID is the process instance that received the payload.
	TargetProcessInstanceID string
}

// Appender persists new Message Instances.
type Appender interface {
	Append(ctx context.Context, instances ...Instance) error
}

// Getter loads a single Message Instance.
type Getter interface {
	Get(ctx context.Context, id uuid.UUID) (Instance, error)
}

// Querier exposes the indexed scans used by the correlation pass.
//
// All the returned slices are sorted in creation order.
type Querier interface {
	// ReadyByDirection returns all the ready Instances of the given direction.
	ReadyByDirection(ctx context.Context, direction Direction) ([]Instance, error)

	// ReadyByMessageName returns all the ready Instances of the given direction
	// whose message name is one of the specified names.
	ReadyByMessageName(ctx context.Context, direction Direction, names ...string) ([]Instance, error)

	// ByProcessInstance returns all the Instances owned by the given process instance,
	// regardless of their status.
	ByProcessInstance(ctx context.Context, processInstanceID string) ([]Instance, error)
}

// Transitioner performs the compare-and-swap status transitions
// of the correlation lifecycle.
//
// Every method returns ErrClaimConflict if the Instance is not found
// in the expected status (or claimed with a different token), and
// ErrNotFound if the Instance does not exist at all.
type Transitioner interface {
	// Claim moves an Instance from ready to running.
	Claim(ctx context.Context, id uuid.UUID, claim Claim) error

	// Release moves a claimed Instance back to ready.
	Release(ctx context.Context, id uuid.UUID, token uuid.UUID) error

	// Complete moves all the specified claimed Instances to completed,
	// atomically: either all of them transition, or none does.
	Complete(ctx context.Context, token uuid.UUID, finishedAt time.Time, completions ...Completion) error

	// Fail moves a claimed Instance to failed, recording the cause.
	Fail(ctx context.Context, id uuid.UUID, token uuid.UUID, finishedAt time.Time, cause string) error

	// ReclaimStale moves back to ready all the Instances that have been claimed
	// before the specified time, returning how many have been reclaimed.
	ReclaimStale(ctx context.Context, claimedBefore time.Time) (int, error)
}

// Store is the durable repository of Message Instances.
type Store interface {
	Appender
	Getter
	Querier
	Transitioner
}

// ApplyClaim performs the ready to running transition on the Instance value.
//
// Store implementations that work by read-check-write use this method
// to share the same transition rules.
func (i *Instance) ApplyClaim(claim Claim) error {
	if i.Status != StatusReady {
		return ErrClaimConflict
	}

	i.Status = StatusRunning
	i.ClaimToken = claim.Token
	i.ClaimedAt = claim.At

	return nil
}

// ApplyRelease performs the running to ready transition on the Instance value.
func (i *Instance) ApplyRelease(token uuid.UUID) error {
	if !i.isClaimedBy(token) {
		return ErrClaimConflict
	}

	i.Status = StatusReady
	i.ClaimToken = uuid.Nil
	i.ClaimedAt = time.Time{}

	return nil
}

// ApplyCompletion performs the running to completed transition on the Instance value.
//
// A send Instance with no owning process instance adopts the target
// process instance as its owner.
func (i *Instance) ApplyCompletion(token uuid.UUID, finishedAt time.Time, completion Completion) error {
	if !i.isClaimedBy(token) {
		return ErrClaimConflict
	}

	i.Status = StatusCompleted
	i.CounterpartID = completion.CounterpartID
	i.TargetProcessInstanceID = completion.TargetProcessInstanceID
	i.FinishedAt = finishedAt

	if i.ProcessInstanceID == "" {
		i.ProcessInstanceID = completion.TargetProcessInstanceID
	}

	return nil
}

// ApplyFailure performs the running to failed transition on the Instance value.
func (i *Instance) ApplyFailure(token uuid.UUID, finishedAt time.Time, cause string) error {
	if !i.isClaimedBy(token) {
		return ErrClaimConflict
	}

	i.Status = StatusFailed
	i.FailureCause = cause
	i.FinishedAt = finishedAt

	return nil
}

// IsStale returns true if the Instance holds a claim taken before the specified time.
func (i Instance) IsStale(claimedBefore time.Time) bool {
	return i.Status == StatusRunning && i.ClaimedAt.Before(claimedBefore)
}

// ApplyReclaim moves a stale claimed Instance back to ready, and reports
// whether the transition happened.
func (i *Instance) ApplyReclaim(claimedBefore time.Time) bool {
	if !i.IsStale(claimedBefore) {
		return false
	}

	i.Status = StatusReady
	i.ClaimToken = uuid.Nil
	i.ClaimedAt = time.Time{}

	return true
}

func (i Instance) isClaimedBy(token uuid.UUID) bool {
	return i.Status == StatusRunning && i.ClaimToken == token
}
