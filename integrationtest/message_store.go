package integrationtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-correlator/message"
)

// MessageStore returns an executable testing suite running on the message.Store
// value provided in input.
//
// The suite uses random message names and process instance ids, so that
// it can run on a store that is shared with other tests.
func MessageStore(store message.Store) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		t.Run("get returns message.ErrNotFound for unknown instances", func(t *testing.T) {
			_, err := store.Get(ctx, uuid.New())
			require.ErrorIs(t, err, message.ErrNotFound)
		})

		t.Run("appended instances can be retrieved", func(t *testing.T) {
			processID := uuid.NewString()
			send := message.NewSend(uuid.NewString(), processID, message.Payload{
				"customer_id": "Sartography",
				"po_number":   float64(1001),
				"amount":      "100.00",
			}, now)

			require.NoError(t, store.Append(ctx, send))

			got, err := store.Get(ctx, send.ID)
			require.NoError(t, err)
			assertSameInstance(t, send, got)
		})

		t.Run("appending the same instance twice fails", func(t *testing.T) {
			send := message.NewSend(uuid.NewString(), uuid.NewString(), nil, now)

			require.NoError(t, store.Append(ctx, send))
			require.ErrorIs(t, store.Append(ctx, send), message.ErrAlreadyExists)
		})

		t.Run("ready scans are filtered and sorted in creation order", func(t *testing.T) {
			name, otherName := uuid.NewString(), uuid.NewString()
			processID := uuid.NewString()

			third := message.NewReceive(name, processID, nil, now.Add(2*time.Second))
			first := message.NewReceive(name, processID, nil, now)
			second := message.NewReceive(otherName, processID, nil, now.Add(time.Second))
			send := message.NewSend(name, processID, nil, now)
			claimed := message.NewReceive(name, processID, nil, now)

			require.NoError(t, store.Append(ctx, third, first, second, send, claimed))
			require.NoError(t, store.Claim(ctx, claimed.ID, message.NewClaim(now)))

			byName, err := store.ReadyByMessageName(ctx, message.Receive, name, otherName)
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID}, ids(byName))

			onlyName, err := store.ReadyByMessageName(ctx, message.Receive, name)
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{first.ID, third.ID}, ids(onlyName))

			byDirection, err := store.ReadyByDirection(ctx, message.Receive)
			require.NoError(t, err)
			assert.Subset(t, ids(byDirection), []uuid.UUID{first.ID, second.ID, third.ID})
			assert.NotContains(t, ids(byDirection), send.ID)
			assert.NotContains(t, ids(byDirection), claimed.ID)

			byProcess, err := store.ByProcessInstance(ctx, processID)
			require.NoError(t, err)
			assert.Len(t, byProcess, 5)
		})

		t.Run("claim is exclusive", func(t *testing.T) {
			send := message.NewSend(uuid.NewString(), uuid.NewString(), nil, now)
			require.NoError(t, store.Append(ctx, send))

			claim := message.NewClaim(now)
			require.NoError(t, store.Claim(ctx, send.ID, claim))
			require.ErrorIs(t, store.Claim(ctx, send.ID, message.NewClaim(now)), message.ErrClaimConflict)

			got, err := store.Get(ctx, send.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusRunning, got.Status)
			assert.Equal(t, claim.Token, got.ClaimToken)
		})

		t.Run("concurrent claims only let one claimer through", func(t *testing.T) {
			send := message.NewSend(uuid.NewString(), uuid.NewString(), nil, now)
			require.NoError(t, store.Append(ctx, send))

			var (
				wg      sync.WaitGroup
				winners atomic.Int32
			)

			for range 8 {
				wg.Add(1)

				go func() {
					defer wg.Done()

					if err := store.Claim(ctx, send.ID, message.NewClaim(now)); err == nil {
						winners.Add(1)
					}
				}()
			}

			wg.Wait()
			assert.Equal(t, int32(1), winners.Load())
		})

		t.Run("release requires the claim token", func(t *testing.T) {
			send := message.NewSend(uuid.NewString(), uuid.NewString(), nil, now)
			require.NoError(t, store.Append(ctx, send))

			claim := message.NewClaim(now)
			require.NoError(t, store.Claim(ctx, send.ID, claim))

			require.ErrorIs(t, store.Release(ctx, send.ID, uuid.New()), message.ErrClaimConflict)
			require.NoError(t, store.Release(ctx, send.ID, claim.Token))

			got, err := store.Get(ctx, send.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusReady, got.Status)
			assert.Equal(t, uuid.Nil, got.ClaimToken)
		})

		t.Run("complete transitions all instances or none", func(t *testing.T) {
			name := uuid.NewString()
			send := message.NewSend(name, "", nil, now)
			receive := message.NewReceive(name, uuid.NewString(), nil, now)
			require.NoError(t, store.Append(ctx, send, receive))

			claim := message.NewClaim(now)
			require.NoError(t, store.Claim(ctx, send.ID, claim))

			// The receive instance has not been claimed yet, so this should fail
			// and leave the send instance untouched.
			err := store.Complete(ctx, claim.Token, now,
				message.Completion{ID: send.ID, CounterpartID: receive.ID, TargetProcessInstanceID: receive.ProcessInstanceID},
				message.Completion{ID: receive.ID, CounterpartID: send.ID, TargetProcessInstanceID: receive.ProcessInstanceID},
			)
			require.ErrorIs(t, err, message.ErrClaimConflict)

			got, err := store.Get(ctx, send.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusRunning, got.Status)

			require.NoError(t, store.Claim(ctx, receive.ID, claim))
			require.NoError(t, store.Complete(ctx, claim.Token, now,
				message.Completion{ID: send.ID, CounterpartID: receive.ID, TargetProcessInstanceID: receive.ProcessInstanceID},
				message.Completion{ID: receive.ID, CounterpartID: send.ID, TargetProcessInstanceID: receive.ProcessInstanceID},
			))

			gotSend, err := store.Get(ctx, send.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusCompleted, gotSend.Status)
			assert.Equal(t, receive.ID, gotSend.CounterpartID)
			assert.Equal(t, receive.ProcessInstanceID, gotSend.TargetProcessInstanceID)
			// The send had no owner, so it is adopted by the target process instance.
			assert.Equal(t, receive.ProcessInstanceID, gotSend.ProcessInstanceID)

			gotReceive, err := store.Get(ctx, receive.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusCompleted, gotReceive.Status)
			assert.Equal(t, send.ID, gotReceive.CounterpartID)

			// Terminal instances can no longer transition.
			require.ErrorIs(t, store.Claim(ctx, send.ID, message.NewClaim(now)), message.ErrClaimConflict)
			require.ErrorIs(t, store.Release(ctx, send.ID, claim.Token), message.ErrClaimConflict)
		})

		t.Run("fail records the cause", func(t *testing.T) {
			send := message.NewSend(uuid.NewString(), uuid.NewString(), nil, now)
			require.NoError(t, store.Append(ctx, send))

			claim := message.NewClaim(now)
			require.NoError(t, store.Claim(ctx, send.ID, claim))
			require.ErrorIs(t, store.Fail(ctx, send.ID, uuid.New(), now, "nope"), message.ErrClaimConflict)
			require.NoError(t, store.Fail(ctx, send.ID, claim.Token, now, "engine exploded"))

			got, err := store.Get(ctx, send.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusFailed, got.Status)
			assert.Equal(t, "engine exploded", got.FailureCause)

			ready, err := store.ReadyByMessageName(ctx, message.Send, send.Name)
			require.NoError(t, err)
			assert.Empty(t, ready)
		})

		t.Run("stale claims are reclaimed", func(t *testing.T) {
			stale := message.NewSend(uuid.NewString(), uuid.NewString(), nil, now)
			fresh := message.NewSend(uuid.NewString(), uuid.NewString(), nil, now)
			require.NoError(t, store.Append(ctx, stale, fresh))

			staleClaim := message.NewClaim(now.Add(-time.Hour))
			require.NoError(t, store.Claim(ctx, stale.ID, staleClaim))
			require.NoError(t, store.Claim(ctx, fresh.ID, message.NewClaim(now)))

			reclaimed, err := store.ReclaimStale(ctx, now.Add(-time.Minute))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, reclaimed, 1)

			got, err := store.Get(ctx, stale.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusReady, got.Status)

			got, err = store.Get(ctx, fresh.ID)
			require.NoError(t, err)
			assert.Equal(t, message.StatusRunning, got.Status)

			// The previous holder lost its claim.
			require.ErrorIs(t, store.Fail(ctx, stale.ID, staleClaim.Token, now, "late"), message.ErrClaimConflict)
		})
	}
}

func ids(instances []message.Instance) []uuid.UUID {
	result := make([]uuid.UUID, 0, len(instances))
	for _, instance := range instances {
		result = append(result, instance.ID)
	}

	return result
}

func assertSameInstance(t *testing.T, expected, actual message.Instance) {
	t.Helper()

	assert.Equal(t, expected.ID, actual.ID)
	assert.Equal(t, expected.ProcessInstanceID, actual.ProcessInstanceID)
	assert.Equal(t, expected.Name, actual.Name)
	assert.Equal(t, expected.Direction, actual.Direction)
	assert.Equal(t, expected.Status, actual.Status)
	assert.Equal(t, expected.Payload, actual.Payload)
	assert.True(t, expected.CreatedAt.Equal(actual.CreatedAt), "expected %s, got %s", expected.CreatedAt, actual.CreatedAt)
}
