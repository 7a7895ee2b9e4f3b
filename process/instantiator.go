package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-eventually/go-correlator/message"
)

// ErrNoRoute is returned by the Instantiator when no process model
// declares a message start event for the requested message name.
//
// It is informational: the message may be matched by a receive
// Message Instance later on.
var ErrNoRoute = errors.New("process: no message start route")

// InstantiationError is returned by the Instantiator when the Engine
// failed to start a new process instance.
type InstantiationError struct {
	MessageName string
	Model       ModelID
	Err         error
}

// Error returns the error message.
func (err *InstantiationError) Error() string {
	return fmt.Sprintf(
		"process: failed to instantiate model '%s' for message '%s', %v",
		err.Model, err.MessageName, err.Err,
	)
}

// Unwrap returns the underlying error.
func (err *InstantiationError) Unwrap() error { return err.Err }

// Routes maps a message name to the process model that declares
// a message start event for it.
type Routes map[string]ModelID

// Instantiator starts new process instances for messages that can
// trigger a message start event.
type Instantiator struct {
	Routes Routes
	Engine Engine
}

// InstantiateForMessageStart starts a new process instance of the model
// routed for the specified message name, using the payload as the
// start message.
//
// ErrNoRoute is returned if no model is routed for the message name.
// An *InstantiationError is returned if the Engine failed.
func (i Instantiator) InstantiateForMessageStart(ctx context.Context, name string, payload message.Payload) (Ref, error) {
	model, ok := i.Routes[name]
	if !ok || model == "" {
		return Ref{}, fmt.Errorf("process.Instantiator: message '%s', %w", name, ErrNoRoute)
	}

	ref, err := i.Engine.StartInstance(ctx, model, payload)
	if err != nil {
		return Ref{}, &InstantiationError{MessageName: name, Model: model, Err: err}
	}

	if ref.ID == "" {
		return Ref{}, &InstantiationError{MessageName: name, Model: model, Err: errors.New("engine returned no instance id")}
	}

	if ref.ModelID == "" {
		ref.ModelID = model
	}

	return ref, nil
}
