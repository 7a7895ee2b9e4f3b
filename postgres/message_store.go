package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/postgres/internal"
	"github.com/get-eventually/go-correlator/serde"
)

const uniqueViolationCode = "23505"

const selectColumns = `SELECT id, process_instance_id, name, direction, payload, status, created_at,
	failure_cause, claim_token, claimed_at, counterpart_id, target_process_instance_id, finished_at
	FROM message_instances`

var _ message.Store = MessageStore{}

// MessageStore is a message.Store implementation targeted to PostgreSQL databases.
//
// The implementation uses the "message_instances" table, created by RunMigrations.
// Status transitions are single compare-and-swap UPDATE statements, conditioned
// on the expected status and claim token.
type MessageStore struct {
	Conn *pgxpool.Pool

	// PayloadSerde encodes the payloads in the JSONB payload column.
	// The serialized output must be valid JSON.
	PayloadSerde serde.Serde[message.Payload, []byte]
}

// NewMessageStore returns a new MessageStore using the provided connection pool.
func NewMessageStore(conn *pgxpool.Pool, options ...Option[*MessageStore]) MessageStore {
	store := &MessageStore{
		Conn:         conn,
		PayloadSerde: message.PayloadJSONSerde,
	}

	for _, opt := range options {
		opt.apply(store)
	}

	return *store
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

// Append implements message.Appender.
func (s MessageStore) Append(ctx context.Context, instances ...message.Instance) error {
	err := internal.RunTransaction(ctx, s.Conn, internal.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		for _, instance := range instances {
			payload, err := s.PayloadSerde.Serialize(instance.Payload)
			if err != nil {
				return fmt.Errorf("failed to serialize payload of %s, %w", instance.ID, err)
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO message_instances (
					id, process_instance_id, name, direction, payload, status, created_at,
					failure_cause, claim_token, claimed_at, counterpart_id, target_process_instance_id, finished_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				instance.ID, instance.ProcessInstanceID, instance.Name, string(instance.Direction),
				payload, string(instance.Status), instance.CreatedAt,
				instance.FailureCause, nullableUUID(instance.ClaimToken), nullableTime(instance.ClaimedAt),
				nullableUUID(instance.CounterpartID), instance.TargetProcessInstanceID,
				nullableTime(instance.FinishedAt),
			)

			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				return fmt.Errorf("instance %s, %w", instance.ID, message.ErrAlreadyExists)
			}

			if err != nil {
				return fmt.Errorf("failed to insert instance %s, %w", instance.ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres.MessageStore.Append: %w", err)
	}

	return nil
}

func (s MessageStore) scan(row pgx.Row) (message.Instance, error) {
	var (
		instance                  message.Instance
		direction, status         string
		payload                   []byte
		claimToken, counterpartID pgtype.UUID
		claimedAt, finishedAt     pgtype.Timestamptz
	)

	err := row.Scan(
		&instance.ID, &instance.ProcessInstanceID, &instance.Name, &direction, &payload, &status,
		&instance.CreatedAt, &instance.FailureCause, &claimToken, &claimedAt, &counterpartID,
		&instance.TargetProcessInstanceID, &finishedAt,
	)
	if err != nil {
		return message.Instance{}, err
	}

	if instance.Payload, err = s.PayloadSerde.Deserialize(payload); err != nil {
		return message.Instance{}, fmt.Errorf("failed to deserialize payload of %s, %w", instance.ID, err)
	}

	instance.Direction = message.Direction(direction)
	instance.Status = message.Status(status)

	if claimToken.Valid {
		instance.ClaimToken = claimToken.Bytes
	}

	if counterpartID.Valid {
		instance.CounterpartID = counterpartID.Bytes
	}

	if claimedAt.Valid {
		instance.ClaimedAt = claimedAt.Time
	}

	if finishedAt.Valid {
		instance.FinishedAt = finishedAt.Time
	}

	return instance, nil
}

// Get implements message.Getter.
func (s MessageStore) Get(ctx context.Context, id uuid.UUID) (message.Instance, error) {
	instance, err := s.scan(s.Conn.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))

	if errors.Is(err, pgx.ErrNoRows) {
		return message.Instance{}, fmt.Errorf("postgres.MessageStore.Get: instance %s, %w", id, message.ErrNotFound)
	}

	if err != nil {
		return message.Instance{}, fmt.Errorf("postgres.MessageStore.Get: failed to query instance, %w", err)
	}

	return instance, nil
}

func (s MessageStore) query(ctx context.Context, where string, args ...any) ([]message.Instance, error) {
	rows, err := s.Conn.Query(ctx, selectColumns+" WHERE "+where+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message_instances table, %w", err)
	}

	instances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (message.Instance, error) {
		return s.scan(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows, %w", err)
	}

	return instances, nil
}

// ReadyByDirection implements message.Querier.
func (s MessageStore) ReadyByDirection(ctx context.Context, direction message.Direction) ([]message.Instance, error) {
	instances, err := s.query(ctx, "status = $1 AND direction = $2",
		string(message.StatusReady), string(direction))
	if err != nil {
		return nil, fmt.Errorf("postgres.MessageStore.ReadyByDirection: %w", err)
	}

	return instances, nil
}

// ReadyByMessageName implements message.Querier.
func (s MessageStore) ReadyByMessageName(
	ctx context.Context,
	direction message.Direction,
	names ...string,
) ([]message.Instance, error) {
	if len(names) == 0 {
		return nil, nil
	}

	instances, err := s.query(ctx, "status = $1 AND direction = $2 AND name = ANY($3)",
		string(message.StatusReady), string(direction), names)
	if err != nil {
		return nil, fmt.Errorf("postgres.MessageStore.ReadyByMessageName: %w", err)
	}

	return instances, nil
}

// ByProcessInstance implements message.Querier.
func (s MessageStore) ByProcessInstance(ctx context.Context, processInstanceID string) ([]message.Instance, error) {
	instances, err := s.query(ctx, "process_instance_id = $1", processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("postgres.MessageStore.ByProcessInstance: %w", err)
	}

	return instances, nil
}

// executor is satisfied by both *pgxpool.Pool and pgx.Tx.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// transition runs a compare-and-swap UPDATE, telling apart missing
// instances from status conflicts when no row has been updated.
func transition(ctx context.Context, db executor, id uuid.UUID, sql string, args ...any) error {
	tag, err := db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update instance %s, %w", id, err)
	}

	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM message_instances WHERE id = $1)`, id).
		Scan(&exists); err != nil {
		return fmt.Errorf("failed to check instance %s, %w", id, err)
	}

	if !exists {
		return fmt.Errorf("instance %s, %w", id, message.ErrNotFound)
	}

	return fmt.Errorf("instance %s, %w", id, message.ErrClaimConflict)
}

// Claim implements message.Transitioner.
func (s MessageStore) Claim(ctx context.Context, id uuid.UUID, claim message.Claim) error {
	err := transition(ctx, s.Conn, id,
		`UPDATE message_instances SET status = 'running', claim_token = $2, claimed_at = $3
		WHERE id = $1 AND status = 'ready'`,
		claim.Token, claim.At,
	)
	if err != nil {
		return fmt.Errorf("postgres.MessageStore.Claim: %w", err)
	}

	return nil
}

// Release implements message.Transitioner.
func (s MessageStore) Release(ctx context.Context, id, token uuid.UUID) error {
	err := transition(ctx, s.Conn, id,
		`UPDATE message_instances SET status = 'ready', claim_token = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'running' AND claim_token = $2`,
		token,
	)
	if err != nil {
		return fmt.Errorf("postgres.MessageStore.Release: %w", err)
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
	err := internal.RunTransaction(ctx, s.Conn, internal.ReadCommitted, func(ctx context.Context, tx pgx.Tx) error {
		for _, completion := range completions {
			err := transition(ctx, tx, completion.ID,
				`UPDATE message_instances SET
					status = 'completed',
					counterpart_id = $3,
					target_process_instance_id = $4,
					finished_at = $5,
					process_instance_id = CASE WHEN process_instance_id = '' THEN $4 ELSE process_instance_id END
				WHERE id = $1 AND status = 'running' AND claim_token = $2`,
				token, nullableUUID(completion.CounterpartID), completion.TargetProcessInstanceID, finishedAt,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres.MessageStore.Complete: %w", err)
	}

	return nil
}

// Fail implements message.Transitioner.
func (s MessageStore) Fail(ctx context.Context, id, token uuid.UUID, finishedAt time.Time, cause string) error {
	err := transition(ctx, s.Conn, id,
		`UPDATE message_instances SET status = 'failed', failure_cause = $3, finished_at = $4
		WHERE id = $1 AND status = 'running' AND claim_token = $2`,
		token, cause, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.MessageStore.Fail: %w", err)
	}

	return nil
}

// ReclaimStale implements message.Transitioner.
func (s MessageStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := s.Conn.Exec(ctx,
		`UPDATE message_instances SET status = 'ready', claim_token = NULL, claimed_at = NULL
		WHERE status = 'running' AND claimed_at < $1`,
		claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres.MessageStore.ReclaimStale: failed to update instances, %w", err)
	}

	return int(tag.RowsAffected()), nil
}
