package message

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Interface implementation assertion.
var _ Store = new(InMemoryStore)

// InMemoryStore is a thread-safe, in-memory message.Store implementation.
//
// Useful for tests, or for single-process deployments where durability
// is not required.
type InMemoryStore struct {
	mx        sync.RWMutex
	instances map[uuid.UUID]Instance
}

// NewInMemoryStore creates a new message.InMemoryStore instance.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mx:        sync.RWMutex{},
		instances: make(map[uuid.UUID]Instance),
	}
}

func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("message.InMemoryStore: context error, %w", err)
	}

	return nil
}

// Instances returns a snapshot of all the Instances in the store,
// in creation order.
func (s *InMemoryStore) Instances() []Instance {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.filter(func(Instance) bool { return true })
}

func (s *InMemoryStore) filter(predicate func(Instance) bool) []Instance {
	var result []Instance

	for _, instance := range s.instances {
		if predicate(instance) {
			result = append(result, instance.Clone())
		}
	}

	SortByCreation(result)

	return result
}

// Append implements message.Appender.
func (s *InMemoryStore) Append(ctx context.Context, instances ...Instance) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	for _, instance := range instances {
		if _, ok := s.instances[instance.ID]; ok {
			return fmt.Errorf("message.InMemoryStore: failed to append instance %s, %w", instance.ID, ErrAlreadyExists)
		}
	}

	for _, instance := range instances {
		s.instances[instance.ID] = instance.Clone()
	}

	return nil
}

// Get implements message.Getter.
func (s *InMemoryStore) Get(ctx context.Context, id uuid.UUID) (Instance, error) {
	if err := contextErr(ctx); err != nil {
		return Instance{}, err
	}

	s.mx.RLock()
	defer s.mx.RUnlock()

	instance, ok := s.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("message.InMemoryStore: failed to get instance %s, %w", id, ErrNotFound)
	}

	return instance.Clone(), nil
}

// ReadyByDirection implements message.Querier.
func (s *InMemoryStore) ReadyByDirection(ctx context.Context, direction Direction) ([]Instance, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.filter(func(i Instance) bool {
		return i.Status == StatusReady && i.Direction == direction
	}), nil
}

// ReadyByMessageName implements message.Querier.
func (s *InMemoryStore) ReadyByMessageName(
	ctx context.Context,
	direction Direction,
	names ...string,
) ([]Instance, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.filter(func(i Instance) bool {
		return i.Status == StatusReady && i.Direction == direction && slices.Contains(names, i.Name)
	}), nil
}

// ByProcessInstance implements message.Querier.
func (s *InMemoryStore) ByProcessInstance(ctx context.Context, processInstanceID string) ([]Instance, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.filter(func(i Instance) bool {
		return i.ProcessInstanceID == processInstanceID
	}), nil
}

// update applies the transition function to the Instance with the given id,
// storing the result only if the transition succeeded.
func (s *InMemoryStore) update(id uuid.UUID, transition func(*Instance) error) error {
	instance, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}

	if err := transition(&instance); err != nil {
		return err
	}

	s.instances[id] = instance

	return nil
}

// Claim implements message.Transitioner.
func (s *InMemoryStore) Claim(ctx context.Context, id uuid.UUID, claim Claim) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.update(id, func(i *Instance) error { return i.ApplyClaim(claim) }); err != nil {
		return fmt.Errorf("message.InMemoryStore: failed to claim instance %s, %w", id, err)
	}

	return nil
}

// Release implements message.Transitioner.
func (s *InMemoryStore) Release(ctx context.Context, id, token uuid.UUID) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.update(id, func(i *Instance) error { return i.ApplyRelease(token) }); err != nil {
		return fmt.Errorf("message.InMemoryStore: failed to release instance %s, %w", id, err)
	}

	return nil
}

// Complete implements message.Transitioner.
func (s *InMemoryStore) Complete(
	ctx context.Context,
	token uuid.UUID,
	finishedAt time.Time,
	completions ...Completion,
) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	// Check every transition first, so that either all instances
	// get completed or none of them does.
	updated := make([]Instance, 0, len(completions))

	for _, completion := range completions {
		instance, ok := s.instances[completion.ID]
		if !ok {
			return fmt.Errorf("message.InMemoryStore: failed to complete instance %s, %w", completion.ID, ErrNotFound)
		}

		if err := instance.ApplyCompletion(token, finishedAt, completion); err != nil {
			return fmt.Errorf("message.InMemoryStore: failed to complete instance %s, %w", completion.ID, err)
		}

		updated = append(updated, instance)
	}

	for _, instance := range updated {
		s.instances[instance.ID] = instance
	}

	return nil
}

// Fail implements message.Transitioner.
func (s *InMemoryStore) Fail(ctx context.Context, id, token uuid.UUID, finishedAt time.Time, cause string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.update(id, func(i *Instance) error { return i.ApplyFailure(token, finishedAt, cause) }); err != nil {
		return fmt.Errorf("message.InMemoryStore: failed to mark instance %s as failed, %w", id, err)
	}

	return nil
}

// ReclaimStale implements message.Transitioner.
func (s *InMemoryStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	if err := contextErr(ctx); err != nil {
		return 0, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	var reclaimed int

	for id, instance := range s.instances {
		if instance.ApplyReclaim(claimedBefore) {
			s.instances[id] = instance
			reclaimed++
		}
	}

	return reclaimed, nil
}
