// Package message exposes the Message Instance model: a single occurrence
// of a named signal, either thrown ("send") or awaited ("receive") by
// a process instance, together with its correlation lifecycle status.
package message

import (
	"bytes"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a Message Instance is being thrown or caught.
type Direction string

// Directions supported by a Message Instance.
const (
	Send    Direction = "send"
	Receive Direction = "receive"
)

// Status is the correlation lifecycle status of a Message Instance.
type Status string

// All the statuses a Message Instance can be found in.
//
// StatusRunning is an internal marker: it signals that a correlation pass
// has claimed the instance and is currently acting on it.
const (
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payload is the structured data carried by a Message Instance.
//
// The correlation engine treats it as opaque, except for the values
// extracted from it by correlation properties.
type Payload map[string]any

// Instance is a send or receive signal belonging to a process instance.
type Instance struct {
	ID uuid.UUID

	// ProcessInstanceID is the owning process instance. It can be empty
	// for a send Instance thrown before any process instance exists.
	ProcessInstanceID string

	Name      string
	Direction Direction
	Payload   Payload
	Status    Status
	CreatedAt time.Time

	// FailureCause is only set when Status is StatusFailed.
	FailureCause string

	// Claim-related fields, only meaningful while Status is StatusRunning.
	ClaimToken uuid.UUID
	ClaimedAt  time.Time

	// Audit fields, set when the Instance reaches a terminal status.
	CounterpartID           uuid.UUID
	TargetProcessInstanceID string
	FinishedAt              time.Time
}

// New returns a new, ready Message Instance.
//
// Identifiers are UUIDv7, so that they sort in creation order.
func New(direction Direction, name, processInstanceID string, payload Payload, createdAt time.Time) Instance {
	return Instance{
		ID:                uuid.Must(uuid.NewV7()),
		ProcessInstanceID: processInstanceID,
		Name:              name,
		Direction:         direction,
		Payload:           payload,
		Status:            StatusReady,
		CreatedAt:         createdAt,
	}
}

// NewSend returns a new, ready send Message Instance.
func NewSend(name, processInstanceID string, payload Payload, createdAt time.Time) Instance {
	return New(Send, name, processInstanceID, payload, createdAt)
}

// NewReceive returns a new, ready receive Message Instance.
func NewReceive(name, processInstanceID string, payload Payload, createdAt time.Time) Instance {
	return New(Receive, name, processInstanceID, payload, createdAt)
}

// Clone returns a copy of the Instance that does not share the Payload map.
func (i Instance) Clone() Instance {
	i.Payload = maps.Clone(i.Payload)
	return i
}

// Before reports whether the Instance was created before the other one.
// Creation time ties are broken using the identifier.
func (i Instance) Before(other Instance) bool {
	if !i.CreatedAt.Equal(other.CreatedAt) {
		return i.CreatedAt.Before(other.CreatedAt)
	}

	return bytes.Compare(i.ID[:], other.ID[:]) < 0
}

// SortByCreation sorts the provided Instances in creation order, oldest first.
func SortByCreation(instances []Instance) {
	slices.SortFunc(instances, func(a, b Instance) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		default:
			return 0
		}
	})
}
