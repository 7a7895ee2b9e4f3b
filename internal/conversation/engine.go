// Package conversation contains a scripted, in-memory process.Engine
// used to test the correlation of messages between process instances.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/process"
)

// All the errors returned by the Engine.
var (
	ErrUnknownModel    = errors.New("conversation: unknown process model")
	ErrUnknownInstance = errors.New("conversation: unknown process instance")
	ErrNotWaiting      = errors.New("conversation: process instance is not waiting for the message")
)

// Step is a single execution step of a scripted process instance:
// it throws the Sends messages, then waits on the Receive message.
//
// An empty Receive completes the process instance.
type Step struct {
	Sends   []string
	Receive string
}

// Model is a scripted process model.
type Model struct {
	ID process.ModelID

	// StartMessage is the name of the message that triggers the message
	// start event of the model, if any.
	StartMessage string

	// Steps are executed in order: the first one when the instance starts,
	// the following ones every time a message is delivered.
	Steps []Step
}

// Instance is a process instance run by the Engine.
type Instance struct {
	process.Ref

	// Data is the process instance data, merged with the payload of
	// every message delivered. It is used as payload of the thrown messages.
	Data message.Payload

	step      int
	waitingOn uuid.UUID
}

var _ process.Engine = new(Engine)

// Engine is an in-memory process.Engine that runs scripted Models,
// writing the Message Instances thrown and awaited by its process
// instances to a message.Appender.
type Engine struct {
	store message.Appender
	now   func() time.Time

	mx        sync.Mutex
	models    map[process.ModelID]Model
	instances map[process.InstanceID]*Instance
	order     []process.InstanceID
	delivered int
	lastTick  time.Time

	// FailDeliveries, if set, is returned by all Deliver calls.
	FailDeliveries error

	// FailStarts, if set, is returned by all StartInstance calls.
	FailStarts error
}

// NewEngine returns a new Engine running the specified Models.
func NewEngine(store message.Appender, models ...Model) *Engine {
	e := &Engine{
		store:     store,
		models:    make(map[process.ModelID]Model, len(models)),
		instances: make(map[process.InstanceID]*Instance),
	}

	for _, model := range models {
		e.models[model.ID] = model
	}

	return e
}

// WithClock sets the clock used to timestamp the Message Instances.
//
// Each new Message Instance is created at least one nanosecond after
// the previous one, so that their creation order is deterministic.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Routes returns the message start routes of all the Models.
func (e *Engine) Routes() process.Routes {
	routes := make(process.Routes)

	for _, model := range e.models {
		if model.StartMessage != "" {
			routes[model.StartMessage] = model.ID
		}
	}

	return routes
}

// Run starts a new process instance of the specified Model directly,
// without a start message.
func (e *Engine) Run(ctx context.Context, model process.ModelID, data message.Payload) (process.Ref, error) {
	e.mx.Lock()
	defer e.mx.Unlock()

	instance, err := e.start(ctx, model, data, false)
	if err != nil {
		return process.Ref{}, fmt.Errorf("conversation.Engine.Run: %w", err)
	}

	return instance.Ref, nil
}

// StartInstance implements the process.Engine interface.
//
// The start message is recorded as a completed receive Message Instance
// owned by the new process instance.
func (e *Engine) StartInstance(ctx context.Context, model process.ModelID, payload message.Payload) (process.Ref, error) {
	e.mx.Lock()
	defer e.mx.Unlock()

	if e.FailStarts != nil {
		return process.Ref{}, e.FailStarts
	}

	instance, err := e.start(ctx, model, payload, true)
	if err != nil {
		return process.Ref{}, fmt.Errorf("conversation.Engine.StartInstance: %w", err)
	}

	return instance.Ref, nil
}

// Deliver implements the process.Engine interface.
func (e *Engine) Deliver(ctx context.Context, id process.InstanceID, receiveID uuid.UUID, payload message.Payload) error {
	e.mx.Lock()
	defer e.mx.Unlock()

	if e.FailDeliveries != nil {
		return e.FailDeliveries
	}

	instance, ok := e.instances[id]
	if !ok {
		return fmt.Errorf("conversation.Engine.Deliver: '%s', %w", id, ErrUnknownInstance)
	}

	if instance.Status != process.StatusWaiting || instance.waitingOn != receiveID {
		return fmt.Errorf("conversation.Engine.Deliver: '%s', %w", id, ErrNotWaiting)
	}

	maps.Copy(instance.Data, payload)
	instance.waitingOn = uuid.Nil
	instance.step++
	e.delivered++

	if err := e.advance(ctx, instance); err != nil {
		return fmt.Errorf("conversation.Engine.Deliver: '%s', %w", id, err)
	}

	return nil
}

// Instance returns the process instance with the specified id.
func (e *Engine) Instance(id process.InstanceID) (Instance, bool) {
	e.mx.Lock()
	defer e.mx.Unlock()

	instance, ok := e.instances[id]
	if !ok {
		return Instance{}, false
	}

	return *instance, true
}

// Instances returns all the process instances, in start order.
func (e *Engine) Instances() []Instance {
	e.mx.Lock()
	defer e.mx.Unlock()

	result := make([]Instance, 0, len(e.order))
	for _, id := range e.order {
		result = append(result, *e.instances[id])
	}

	return result
}

// Delivered returns the number of messages delivered so far.
func (e *Engine) Delivered() int {
	e.mx.Lock()
	defer e.mx.Unlock()

	return e.delivered
}

func (e *Engine) start(
	ctx context.Context,
	modelID process.ModelID,
	data message.Payload,
	fromMessage bool,
) (*Instance, error) {
	model, ok := e.models[modelID]
	if !ok {
		return nil, fmt.Errorf("'%s', %w", modelID, ErrUnknownModel)
	}

	instance := &Instance{
		Ref: process.Ref{
			ID:      process.InstanceID(fmt.Sprintf("pi-%d", len(e.order)+1)),
			ModelID: model.ID,
			Status:  process.StatusRunning,
		},
		Data: maps.Clone(data),
	}

	if instance.Data == nil {
		instance.Data = make(message.Payload)
	}

	e.instances[instance.ID] = instance
	e.order = append(e.order, instance.ID)

	if fromMessage && model.StartMessage != "" {
		start := message.NewReceive(model.StartMessage, string(instance.ID), maps.Clone(instance.Data), e.tick())
		start.Status = message.StatusCompleted
		start.FinishedAt = start.CreatedAt

		if err := e.store.Append(ctx, start); err != nil {
			return nil, fmt.Errorf("failed to record start message, %w", err)
		}
	}

	if err := e.advance(ctx, instance); err != nil {
		return nil, err
	}

	return instance, nil
}

func (e *Engine) advance(ctx context.Context, instance *Instance) error {
	model := e.models[instance.ModelID]

	if instance.step >= len(model.Steps) {
		instance.Status = process.StatusComplete
		return nil
	}

	step := model.Steps[instance.step]
	instances := make([]message.Instance, 0, len(step.Sends)+1)

	for _, name := range step.Sends {
		instances = append(instances, message.NewSend(name, string(instance.ID), maps.Clone(instance.Data), e.tick()))
	}

	var receive message.Instance
	if step.Receive != "" {
		receive = message.NewReceive(step.Receive, string(instance.ID), maps.Clone(instance.Data), e.tick())
		instances = append(instances, receive)
	}

	if err := e.store.Append(ctx, instances...); err != nil {
		return fmt.Errorf("failed to record thrown messages, %w", err)
	}

	if step.Receive == "" {
		instance.Status = process.StatusComplete
		return nil
	}

	instance.Status = process.StatusWaiting
	instance.waitingOn = receive.ID

	return nil
}

func (e *Engine) tick() time.Time {
	now := time.Now()
	if e.now != nil {
		now = e.now()
	}

	if !now.After(e.lastTick) {
		now = e.lastTick.Add(time.Nanosecond)
	}

	e.lastTick = now

	return now
}
