// Package boltdb contains a message.Store implementation backed by
// an embedded BoltDB database, for single-node deployments.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/multierr"

	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/serde"
)

// DefaultOpenTimeout is the maximum time spent waiting for the database
// file lock, when the context used to open the store has no deadline.
const DefaultOpenTimeout = 5 * time.Second

var (
	instancesBucketKey = []byte("message_instances")

	// readyBucketKey is the key of the bucket indexing the ready instances
	// by direction, message name and creation order.
	readyBucketKey = []byte("ready_message_instances")
)

// record is the persisted representation of a message.Instance.
type record struct {
	ID                      uuid.UUID `json:"id"`
	ProcessInstanceID       string    `json:"process_instance_id"`
	Name                    string    `json:"name"`
	Direction               string    `json:"direction"`
	Payload                 []byte    `json:"payload"`
	Status                  string    `json:"status"`
	CreatedAt               time.Time `json:"created_at"`
	FailureCause            string    `json:"failure_cause,omitempty"`
	ClaimToken              uuid.UUID `json:"claim_token"`
	ClaimedAt               time.Time `json:"claimed_at"`
	CounterpartID           uuid.UUID `json:"counterpart_id"`
	TargetProcessInstanceID string    `json:"target_process_instance_id,omitempty"`
	FinishedAt              time.Time `json:"finished_at"`
}

var recordSerde = serde.NewJSON(func() record { return record{} })

var _ message.Store = new(MessageStore)

// MessageStore is a message.Store implementation backed by BoltDB.
//
// Records are JSON-encoded, with payloads encoded as protobuf Structs.
// BoltDB allows a single read-write transaction at a time, so every
// status transition is an atomic read-check-write.
//
// Ready instances are also indexed in a separate bucket, updated in the
// same transaction as the record, so that ready queries only decode
// the instances they return.
type MessageStore struct {
	db *bbolt.DB
}

// Open opens (or creates) the BoltDB database at the specified path.
//
// If the context has a deadline, it bounds the time spent waiting
// for the file lock held by other processes.
func Open(ctx context.Context, path string) (*MessageStore, error) {
	options := &bbolt.Options{Timeout: DefaultOpenTimeout}

	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		options.Timeout = timeout
	}

	db, err := bbolt.Open(path, os.FileMode(0o600), options)
	if err != nil {
		return nil, fmt.Errorf("boltdb.Open: failed to open database, %w", err)
	}

	store, err := New(db)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	return store, nil
}

// New returns a MessageStore using an already opened BoltDB database.
func New(db *bbolt.DB) (*MessageStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		instances, err := tx.CreateBucketIfNotExists(instancesBucketKey)
		if err != nil {
			return err
		}

		if tx.Bucket(readyBucketKey) != nil {
			return nil
		}

		ready, err := tx.CreateBucket(readyBucketKey)
		if err != nil {
			return err
		}

		return reindex(instances, ready)
	})
	if err != nil {
		return nil, fmt.Errorf("boltdb.New: failed to create buckets, %w", err)
	}

	return &MessageStore{db: db}, nil
}

// Close closes the underlying database.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func marshal(instance message.Instance) ([]byte, error) {
	payload, err := message.PayloadProtoSerde.Serialize(instance.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload, %w", err)
	}

	return recordSerde.Serialize(record{
		ID:                      instance.ID,
		ProcessInstanceID:       instance.ProcessInstanceID,
		Name:                    instance.Name,
		Direction:               string(instance.Direction),
		Payload:                 payload,
		Status:                  string(instance.Status),
		CreatedAt:               instance.CreatedAt,
		FailureCause:            instance.FailureCause,
		ClaimToken:              instance.ClaimToken,
		ClaimedAt:               instance.ClaimedAt,
		CounterpartID:           instance.CounterpartID,
		TargetProcessInstanceID: instance.TargetProcessInstanceID,
		FinishedAt:              instance.FinishedAt,
	})
}

func unmarshal(data []byte) (message.Instance, error) {
	r, err := recordSerde.Deserialize(data)
	if err != nil {
		return message.Instance{}, err
	}

	payload, err := message.PayloadProtoSerde.Deserialize(r.Payload)
	if err != nil {
		return message.Instance{}, fmt.Errorf("failed to deserialize payload, %w", err)
	}

	return message.Instance{
		ID:                      r.ID,
		ProcessInstanceID:       r.ProcessInstanceID,
		Name:                    r.Name,
		Direction:               message.Direction(r.Direction),
		Payload:                 payload,
		Status:                  message.Status(r.Status),
		CreatedAt:               r.CreatedAt,
		FailureCause:            r.FailureCause,
		ClaimToken:              r.ClaimToken,
		ClaimedAt:               r.ClaimedAt,
		CounterpartID:           r.CounterpartID,
		TargetProcessInstanceID: r.TargetProcessInstanceID,
		FinishedAt:              r.FinishedAt,
	}, nil
}

type buckets struct {
	instances *bbolt.Bucket
	ready     *bbolt.Bucket
}

func bucketsOf(tx *bbolt.Tx) buckets {
	return buckets{
		instances: tx.Bucket(instancesBucketKey),
		ready:     tx.Bucket(readyBucketKey),
	}
}

// readyPrefix returns the index key prefix of the ready instances with
// the specified direction and, if withName is set, message name.
//
// Names are length-prefixed, so that no name prefix can match another name.
func readyPrefix(direction message.Direction, name string, withName bool) []byte {
	prefix := append([]byte(direction), '/')
	if !withName {
		return prefix
	}

	prefix = binary.BigEndian.AppendUint32(prefix, uint32(len(name)))

	return append(prefix, name...)
}

func readyKey(instance message.Instance) []byte {
	key := readyPrefix(instance.Direction, instance.Name, true)
	key = binary.BigEndian.AppendUint64(key, uint64(instance.CreatedAt.UnixNano()))

	return append(key, instance.ID[:]...)
}

// index adds the instance to the ready index if it is ready,
// or removes it otherwise.
//
// Direction, name, creation time and id never change after creation,
// so the index key of an instance is stable across transitions.
func index(ready *bbolt.Bucket, instance message.Instance) error {
	if instance.Status != message.StatusReady {
		return ready.Delete(readyKey(instance))
	}

	return ready.Put(readyKey(instance), instance.ID[:])
}

// reindex rebuilds the ready index from the records, for databases
// created before the index was introduced.
func reindex(instances, ready *bbolt.Bucket) error {
	return instances.ForEach(func(_, data []byte) error {
		instance, err := unmarshal(data)
		if err != nil {
			return err
		}

		if instance.Status != message.StatusReady {
			return nil
		}

		return index(ready, instance)
	})
}

func load(bucket *bbolt.Bucket, id uuid.UUID) (message.Instance, error) {
	data := bucket.Get(id[:])
	if data == nil {
		return message.Instance{}, fmt.Errorf("instance %s, %w", id, message.ErrNotFound)
	}

	instance, err := unmarshal(data)
	if err != nil {
		return message.Instance{}, fmt.Errorf("failed to decode instance %s, %w", id, err)
	}

	return instance, nil
}

func save(b buckets, instance message.Instance) error {
	data, err := marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to encode instance %s, %w", instance.ID, err)
	}

	if err := b.instances.Put(instance.ID[:], data); err != nil {
		return fmt.Errorf("failed to write instance %s, %w", instance.ID, err)
	}

	if err := index(b.ready, instance); err != nil {
		return fmt.Errorf("failed to index instance %s, %w", instance.ID, err)
	}

	return nil
}

func (s *MessageStore) update(ctx context.Context, fn func(b buckets) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(bucketsOf(tx))
	})
}

// ready returns the ready instances whose index keys start with
// any of the specified prefixes, in creation order.
func (s *MessageStore) ready(ctx context.Context, prefixes ...[]byte) ([]message.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []message.Instance

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := bucketsOf(tx)
		cursor := b.ready.Cursor()

		for _, prefix := range prefixes {
			for key, id := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, id = cursor.Next() {
				instance, err := load(b.instances, uuid.UUID(id))
				if err != nil {
					return err
				}

				result = append(result, instance)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	message.SortByCreation(result)

	return result, nil
}

func (s *MessageStore) filter(ctx context.Context, predicate func(message.Instance) bool) ([]message.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []message.Instance

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucketKey).ForEach(func(_, data []byte) error {
			instance, err := unmarshal(data)
			if err != nil {
				return err
			}

			if predicate(instance) {
				result = append(result, instance)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	message.SortByCreation(result)

	return result, nil
}

// Append implements message.Appender.
func (s *MessageStore) Append(ctx context.Context, instances ...message.Instance) error {
	err := s.update(ctx, func(b buckets) error {
		for _, instance := range instances {
			if b.instances.Get(instance.ID[:]) != nil {
				return fmt.Errorf("instance %s, %w", instance.ID, message.ErrAlreadyExists)
			}

			if err := save(b, instance); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("boltdb.MessageStore.Append: %w", err)
	}

	return nil
}

// Get implements message.Getter.
func (s *MessageStore) Get(ctx context.Context, id uuid.UUID) (message.Instance, error) {
	if err := ctx.Err(); err != nil {
		return message.Instance{}, fmt.Errorf("boltdb.MessageStore.Get: %w", err)
	}

	var instance message.Instance

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		instance, err = load(tx.Bucket(instancesBucketKey), id)

		return err
	})
	if err != nil {
		return message.Instance{}, fmt.Errorf("boltdb.MessageStore.Get: %w", err)
	}

	return instance, nil
}

// ReadyByDirection implements message.Querier.
func (s *MessageStore) ReadyByDirection(ctx context.Context, direction message.Direction) ([]message.Instance, error) {
	instances, err := s.ready(ctx, readyPrefix(direction, "", false))
	if err != nil {
		return nil, fmt.Errorf("boltdb.MessageStore.ReadyByDirection: %w", err)
	}

	return instances, nil
}

// ReadyByMessageName implements message.Querier.
func (s *MessageStore) ReadyByMessageName(
	ctx context.Context,
	direction message.Direction,
	names ...string,
) ([]message.Instance, error) {
	prefixes := make([][]byte, 0, len(names))
	for _, name := range names {
		prefixes = append(prefixes, readyPrefix(direction, name, true))
	}

	instances, err := s.ready(ctx, prefixes...)
	if err != nil {
		return nil, fmt.Errorf("boltdb.MessageStore.ReadyByMessageName: %w", err)
	}

	return instances, nil
}

// ByProcessInstance implements message.Querier.
func (s *MessageStore) ByProcessInstance(ctx context.Context, processInstanceID string) ([]message.Instance, error) {
	instances, err := s.filter(ctx, func(instance message.Instance) bool {
		return instance.ProcessInstanceID == processInstanceID
	})
	if err != nil {
		return nil, fmt.Errorf("boltdb.MessageStore.ByProcessInstance: %w", err)
	}

	return instances, nil
}

func (s *MessageStore) transition(ctx context.Context, id uuid.UUID, apply func(*message.Instance) error) error {
	return s.update(ctx, func(b buckets) error {
		instance, err := load(b.instances, id)
		if err != nil {
			return err
		}

		if err := apply(&instance); err != nil {
			return fmt.Errorf("instance %s, %w", id, err)
		}

		return save(b, instance)
	})
}

// Claim implements message.Transitioner.
func (s *MessageStore) Claim(ctx context.Context, id uuid.UUID, claim message.Claim) error {
	err := s.transition(ctx, id, func(instance *message.Instance) error {
		return instance.ApplyClaim(claim)
	})
	if err != nil {
		return fmt.Errorf("boltdb.MessageStore.Claim: %w", err)
	}

	return nil
}

// Release implements message.Transitioner.
func (s *MessageStore) Release(ctx context.Context, id, token uuid.UUID) error {
	err := s.transition(ctx, id, func(instance *message.Instance) error {
		return instance.ApplyRelease(token)
	})
	if err != nil {
		return fmt.Errorf("boltdb.MessageStore.Release: %w", err)
	}

	return nil
}

// Complete implements message.Transitioner.
//
// All the Instances are written in the same BoltDB transaction,
// which is rolled back if any transition is rejected.
func (s *MessageStore) Complete(
	ctx context.Context,
	token uuid.UUID,
	finishedAt time.Time,
	completions ...message.Completion,
) error {
	err := s.update(ctx, func(b buckets) error {
		for _, completion := range completions {
			instance, err := load(b.instances, completion.ID)
			if err != nil {
				return err
			}

			if err := instance.ApplyCompletion(token, finishedAt, completion); err != nil {
				return fmt.Errorf("instance %s, %w", completion.ID, err)
			}

			if err := save(b, instance); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("boltdb.MessageStore.Complete: %w", err)
	}

	return nil
}

// Fail implements message.Transitioner.
func (s *MessageStore) Fail(ctx context.Context, id, token uuid.UUID, finishedAt time.Time, cause string) error {
	err := s.transition(ctx, id, func(instance *message.Instance) error {
		return instance.ApplyFailure(token, finishedAt, cause)
	})
	if err != nil {
		return fmt.Errorf("boltdb.MessageStore.Fail: %w", err)
	}

	return nil
}

// ReclaimStale implements message.Transitioner.
func (s *MessageStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	var reclaimed int

	err := s.update(ctx, func(b buckets) error {
		var stale []message.Instance

		err := b.instances.ForEach(func(_, data []byte) error {
			instance, err := unmarshal(data)
			if err != nil {
				return err
			}

			if instance.ApplyReclaim(claimedBefore) {
				stale = append(stale, instance)
			}

			return nil
		})
		if err != nil {
			return err
		}

		// Buckets must not be modified while iterating with ForEach.
		for _, instance := range stale {
			if err := save(b, instance); err != nil {
				return err
			}
		}

		reclaimed = len(stale)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("boltdb.MessageStore.ReclaimStale: %w", err)
	}

	return reclaimed, nil
}
