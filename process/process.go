// Package process contains the types used to interact with the
// execution engine running the process instances that send and
// receive messages.
//
// Process instances are never mutated directly: every change goes
// through the Engine interface.
package process

import (
	"context"

	"github.com/google/uuid"

	"github.com/get-eventually/go-correlator/message"
)

// InstanceID identifies a running process instance.
type InstanceID string

// ModelID identifies a process model, i.e. the definition
// used to start new process instances.
type ModelID string

// Status is the execution status of a process instance.
type Status string

// All the possible process instance statuses.
const (
	StatusNotStarted Status = "not_started"
	StatusWaiting    Status = "waiting"
	StatusRunning    Status = "running"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Ref is a reference to a process instance.
type Ref struct {
	ID      InstanceID
	ModelID ModelID
	Status  Status
}

// Engine is the execution engine of process instances.
type Engine interface {
	// Deliver hands over the payload of a matched send Message Instance to
	// the process instance waiting on the receive Message Instance with the
	// specified id, resuming its execution.
	Deliver(ctx context.Context, id InstanceID, receiveID uuid.UUID, payload message.Payload) error

	// StartInstance starts a new process instance of the specified model,
	// using the payload as the message that triggered its start event.
	StartInstance(ctx context.Context, model ModelID, payload message.Payload) (Ref, error)
}
