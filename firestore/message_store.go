// Package correlatorfirestore contains a message.Store implementation backed by
// Google Cloud Firestore.
package correlatorfirestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-eventually/go-correlator/message"
)

// DefaultCollection is the name of the collection used when
// MessageStore.Collection is unspecified.
const DefaultCollection = "MessageInstances"

// Firestore limits the number of values accepted by the "in" operator.
const maxInValues = 30

// document is the persisted representation of a message.Instance.
type document struct {
	ProcessInstanceID       string    `firestore:"process_instance_id"`
	Name                    string    `firestore:"name"`
	Direction               string    `firestore:"direction"`
	Payload                 []byte    `firestore:"payload"`
	Status                  string    `firestore:"status"`
	CreatedAt               time.Time `firestore:"created_at"`
	FailureCause            string    `firestore:"failure_cause"`
	ClaimToken              string    `firestore:"claim_token"`
	ClaimedAt               time.Time `firestore:"claimed_at"`
	CounterpartID           string    `firestore:"counterpart_id"`
	TargetProcessInstanceID string    `firestore:"target_process_instance_id"`
	FinishedAt              time.Time `firestore:"finished_at"`
}

func optionalUUID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}

	return id.String()
}

func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}

	return uuid.Parse(s)
}

func toDocument(instance message.Instance) (document, error) {
	payload, err := message.PayloadProtoSerde.Serialize(instance.Payload)
	if err != nil {
		return document{}, fmt.Errorf("failed to serialize payload, %w", err)
	}

	return document{
		ProcessInstanceID:       instance.ProcessInstanceID,
		Name:                    instance.Name,
		Direction:               string(instance.Direction),
		Payload:                 payload,
		Status:                  string(instance.Status),
		CreatedAt:               instance.CreatedAt,
		FailureCause:            instance.FailureCause,
		ClaimToken:              optionalUUID(instance.ClaimToken),
		ClaimedAt:               instance.ClaimedAt,
		CounterpartID:           optionalUUID(instance.CounterpartID),
		TargetProcessInstanceID: instance.TargetProcessInstanceID,
		FinishedAt:              instance.FinishedAt,
	}, nil
}

func fromSnapshot(snapshot *firestore.DocumentSnapshot) (message.Instance, error) {
	var doc document
	if err := snapshot.DataTo(&doc); err != nil {
		return message.Instance{}, fmt.Errorf("failed to decode document %s, %w", snapshot.Ref.ID, err)
	}

	id, err := uuid.Parse(snapshot.Ref.ID)
	if err != nil {
		return message.Instance{}, fmt.Errorf("invalid document id %s, %w", snapshot.Ref.ID, err)
	}

	payload, err := message.PayloadProtoSerde.Deserialize(doc.Payload)
	if err != nil {
		return message.Instance{}, fmt.Errorf("failed to deserialize payload of %s, %w", id, err)
	}

	claimToken, err := parseOptionalUUID(doc.ClaimToken)
	if err != nil {
		return message.Instance{}, fmt.Errorf("invalid claim token of %s, %w", id, err)
	}

	counterpartID, err := parseOptionalUUID(doc.CounterpartID)
	if err != nil {
		return message.Instance{}, fmt.Errorf("invalid counterpart of %s, %w", id, err)
	}

	return message.Instance{
		ID:                      id,
		ProcessInstanceID:       doc.ProcessInstanceID,
		Name:                    doc.Name,
		Direction:               message.Direction(doc.Direction),
		Payload:                 payload,
		Status:                  message.Status(doc.Status),
		CreatedAt:               doc.CreatedAt,
		FailureCause:            doc.FailureCause,
		ClaimToken:              claimToken,
		ClaimedAt:               doc.ClaimedAt,
		CounterpartID:           counterpartID,
		TargetProcessInstanceID: doc.TargetProcessInstanceID,
		FinishedAt:              doc.FinishedAt,
	}, nil
}

var _ message.Store = MessageStore{}

// MessageStore is a message.Store implementation targeted to Firestore.
//
// Every Message Instance is a document keyed by its identifier.
// Status transitions run in Firestore transactions, which are retried
// by the client on contention.
type MessageStore struct {
	Client *firestore.Client

	// Collection is the name of the collection holding the documents.
	// Defaults to DefaultCollection.
	Collection string
}

func (s MessageStore) instances() *firestore.CollectionRef {
	if s.Collection == "" {
		return s.Client.Collection(DefaultCollection)
	}

	return s.Client.Collection(s.Collection)
}

// Append implements message.Appender.
func (s MessageStore) Append(ctx context.Context, instances ...message.Instance) error {
	refs := make([]*firestore.DocumentRef, 0, len(instances))
	for _, instance := range instances {
		refs = append(refs, s.instances().Doc(instance.ID.String()))
	}

	err := s.Client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snapshots, err := tx.GetAll(refs)
		if err != nil {
			return fmt.Errorf("failed to check existing instances, %w", err)
		}

		for i, snapshot := range snapshots {
			if snapshot.Exists() {
				return fmt.Errorf("instance %s, %w", instances[i].ID, message.ErrAlreadyExists)
			}
		}

		for i, instance := range instances {
			doc, err := toDocument(instance)
			if err != nil {
				return fmt.Errorf("failed to encode instance %s, %w", instance.ID, err)
			}

			if err := tx.Create(refs[i], doc); err != nil {
				return fmt.Errorf("failed to create instance %s, %w", instance.ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("correlatorfirestore.MessageStore.Append: %w", err)
	}

	return nil
}

// Get implements message.Getter.
func (s MessageStore) Get(ctx context.Context, id uuid.UUID) (message.Instance, error) {
	snapshot, err := s.instances().Doc(id.String()).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return message.Instance{}, fmt.Errorf("correlatorfirestore.MessageStore.Get: instance %s, %w", id, message.ErrNotFound)
	}

	if err != nil {
		return message.Instance{}, fmt.Errorf("correlatorfirestore.MessageStore.Get: failed to get instance, %w", err)
	}

	instance, err := fromSnapshot(snapshot)
	if err != nil {
		return message.Instance{}, fmt.Errorf("correlatorfirestore.MessageStore.Get: %w", err)
	}

	return instance, nil
}

func collect(iter *firestore.DocumentIterator, result []message.Instance) ([]message.Instance, error) {
	defer iter.Stop()

	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return result, nil
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read next document, %w", err)
		}

		instance, err := fromSnapshot(snapshot)
		if err != nil {
			return nil, err
		}

		result = append(result, instance)
	}
}

// ReadyByDirection implements message.Querier.
func (s MessageStore) ReadyByDirection(ctx context.Context, direction message.Direction) ([]message.Instance, error) {
	query := s.instances().
		Where("status", "==", string(message.StatusReady)).
		Where("direction", "==", string(direction))

	instances, err := collect(query.Documents(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("correlatorfirestore.MessageStore.ReadyByDirection: %w", err)
	}

	message.SortByCreation(instances)

	return instances, nil
}

// ReadyByMessageName implements message.Querier.
func (s MessageStore) ReadyByMessageName(
	ctx context.Context,
	direction message.Direction,
	names ...string,
) ([]message.Instance, error) {
	var (
		instances []message.Instance
		err       error
	)

	for chunk := range slices.Chunk(names, maxInValues) {
		query := s.instances().
			Where("status", "==", string(message.StatusReady)).
			Where("direction", "==", string(direction)).
			Where("name", "in", chunk)

		if instances, err = collect(query.Documents(ctx), instances); err != nil {
			return nil, fmt.Errorf("correlatorfirestore.MessageStore.ReadyByMessageName: %w", err)
		}
	}

	message.SortByCreation(instances)

	return instances, nil
}

// ByProcessInstance implements message.Querier.
func (s MessageStore) ByProcessInstance(ctx context.Context, processInstanceID string) ([]message.Instance, error) {
	query := s.instances().Where("process_instance_id", "==", processInstanceID)

	instances, err := collect(query.Documents(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("correlatorfirestore.MessageStore.ByProcessInstance: %w", err)
	}

	message.SortByCreation(instances)

	return instances, nil
}

// update loads the specified Instances in a transaction, applies fn to them
// and writes them back, unless fn returns an error.
func (s MessageStore) update(ctx context.Context, ids []uuid.UUID, fn func(instances []message.Instance) error) error {
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, s.instances().Doc(id.String()))
	}

	return s.Client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snapshots, err := tx.GetAll(refs)
		if err != nil {
			return fmt.Errorf("failed to get instances, %w", err)
		}

		instances := make([]message.Instance, 0, len(snapshots))

		for i, snapshot := range snapshots {
			if !snapshot.Exists() {
				return fmt.Errorf("instance %s, %w", ids[i], message.ErrNotFound)
			}

			instance, err := fromSnapshot(snapshot)
			if err != nil {
				return err
			}

			instances = append(instances, instance)
		}

		if err := fn(instances); err != nil {
			return err
		}

		for i, instance := range instances {
			doc, err := toDocument(instance)
			if err != nil {
				return fmt.Errorf("failed to encode instance %s, %w", instance.ID, err)
			}

			if err := tx.Set(refs[i], doc); err != nil {
				return fmt.Errorf("failed to write instance %s, %w", instance.ID, err)
			}
		}

		return nil
	})
}

// Claim implements message.Transitioner.
func (s MessageStore) Claim(ctx context.Context, id uuid.UUID, claim message.Claim) error {
	err := s.update(ctx, []uuid.UUID{id}, func(instances []message.Instance) error {
		if err := instances[0].ApplyClaim(claim); err != nil {
			return fmt.Errorf("instance %s, %w", id, err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("correlatorfirestore.MessageStore.Claim: %w", err)
	}

	return nil
}

// Release implements message.Transitioner.
func (s MessageStore) Release(ctx context.Context, id, token uuid.UUID) error {
	err := s.update(ctx, []uuid.UUID{id}, func(instances []message.Instance) error {
		if err := instances[0].ApplyRelease(token); err != nil {
			return fmt.Errorf("instance %s, %w", id, err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("correlatorfirestore.MessageStore.Release: %w", err)
	}

	return nil
}

// Complete implements message.Transitioner.
func (s MessageStore) Complete(
	ctx context.Context,
	token uuid.UUID,
	finishedAt time.Time,
	completions ...message.Completion,
) error {
	ids := make([]uuid.UUID, 0, len(completions))
	for _, completion := range completions {
		ids = append(ids, completion.ID)
	}

	err := s.update(ctx, ids, func(instances []message.Instance) error {
		for i := range instances {
			if err := instances[i].ApplyCompletion(token, finishedAt, completions[i]); err != nil {
				return fmt.Errorf("instance %s, %w", instances[i].ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("correlatorfirestore.MessageStore.Complete: %w", err)
	}

	return nil
}

// Fail implements message.Transitioner.
func (s MessageStore) Fail(ctx context.Context, id, token uuid.UUID, finishedAt time.Time, cause string) error {
	err := s.update(ctx, []uuid.UUID{id}, func(instances []message.Instance) error {
		if err := instances[0].ApplyFailure(token, finishedAt, cause); err != nil {
			return fmt.Errorf("instance %s, %w", id, err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("correlatorfirestore.MessageStore.Fail: %w", err)
	}

	return nil
}

// ReclaimStale implements message.Transitioner.
func (s MessageStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	query := s.instances().
		Where("status", "==", string(message.StatusRunning)).
		Where("claimed_at", "<", claimedBefore)

	var reclaimed int

	err := s.Client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		reclaimed = 0

		snapshots, err := tx.Documents(query).GetAll()
		if err != nil {
			return fmt.Errorf("failed to query claimed instances, %w", err)
		}

		stale := make(map[*firestore.DocumentRef]message.Instance, len(snapshots))

		for _, snapshot := range snapshots {
			instance, err := fromSnapshot(snapshot)
			if err != nil {
				return err
			}

			if instance.ApplyReclaim(claimedBefore) {
				stale[snapshot.Ref] = instance
			}
		}

		for ref, instance := range stale {
			doc, err := toDocument(instance)
			if err != nil {
				return fmt.Errorf("failed to encode instance %s, %w", instance.ID, err)
			}

			if err := tx.Set(ref, doc); err != nil {
				return fmt.Errorf("failed to write instance %s, %w", instance.ID, err)
			}
		}

		reclaimed = len(stale)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("correlatorfirestore.MessageStore.ReclaimStale: %w", err)
	}

	return reclaimed, nil
}
