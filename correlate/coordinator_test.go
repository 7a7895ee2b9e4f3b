package correlate_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/go-correlator/correlate"
	"github.com/get-eventually/go-correlator/correlation"
	"github.com/get-eventually/go-correlator/expression"
	"github.com/get-eventually/go-correlator/internal/conversation"
	"github.com/get-eventually/go-correlator/logger"
	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/process"
)

const (
	requestApproval = "Request Approval"
	approvalResult  = "Approval Result"
)

var invoice = message.Payload{
	"customer_id": "Sartography",
	"po_number":   1001,
	"description": "We built a new feature for messages!",
	"amount":      "100.00",
}

func approvalRegistry(t *testing.T) *correlation.Registry {
	t.Helper()

	registry, err := correlation.NewRegistry(
		correlation.Property{
			Name: "customer_id",
			Retrievals: map[string]string{
				requestApproval: "customer_id",
			},
		},
		correlation.Property{
			Name: "po_number",
			Retrievals: map[string]string{
				requestApproval: "po_number",
				approvalResult:  "po_number",
			},
		},
	)
	require.NoError(t, err)

	return registry
}

func newCoordinator(
	t *testing.T,
	store message.Store,
	registry *correlation.Registry,
	engine process.Engine,
	routes process.Routes,
) *correlate.Coordinator {
	t.Helper()

	return &correlate.Coordinator{
		Store: store,
		Matcher: correlation.Matcher{
			Extractor: correlation.Extractor{
				Registry:  registry,
				Evaluator: expression.Path{},
			},
		},
		Instantiator: process.Instantiator{Routes: routes, Engine: engine},
		Engine:       engine,
		Logger:       logger.NewTest(t),
	}
}

func byStatus(instances []message.Instance, status message.Status) []message.Instance {
	var result []message.Instance

	for _, instance := range instances {
		if instance.Status == status {
			result = append(result, instance)
		}
	}

	return result
}

func TestCoordinator_SingleConversation(t *testing.T) {
	ctx := context.Background()
	store := message.NewInMemoryStore()

	engine := conversation.NewEngine(store,
		conversation.Model{
			ID:    "test_group/message_sender",
			Steps: []conversation.Step{{Sends: []string{requestApproval}, Receive: approvalResult}},
		},
		conversation.Model{
			ID:           "test_group/message_receive",
			StartMessage: requestApproval,
			Steps:        []conversation.Step{{Sends: []string{approvalResult}}},
		},
	)

	coordinator := newCoordinator(t, store, approvalRegistry(t), engine, engine.Routes())

	sender, err := engine.Run(ctx, "test_group/message_sender", invoice)
	require.NoError(t, err)

	sent, err := store.ByProcessInstance(ctx, string(sender.ID))
	require.NoError(t, err)
	require.Len(t, sent, 2)

	// The first pass starts the receiver process, which replies.
	summary, err := coordinator.CorrelateAllMessageInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, correlate.Summary{Instantiated: 1}, summary)

	senderInstance, ok := engine.Instance(sender.ID)
	require.True(t, ok)
	assert.Equal(t, process.StatusWaiting, senderInstance.Status)

	// The second pass delivers the reply to the sender.
	summary, err = coordinator.CorrelateAllMessageInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, correlate.Summary{Delivered: 1}, summary)

	for i := 0; i < 3; i++ {
		summary, err = coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{}, summary)
	}

	waiting, err := store.ReadyByMessageName(ctx, message.Receive, approvalResult)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	instances := engine.Instances()
	require.Len(t, instances, 2)

	for _, instance := range instances {
		assert.Equal(t, process.StatusComplete, instance.Status, "process instance %s", instance.ID)
	}

	assert.Equal(t, process.ModelID("test_group/message_receive"), instances[1].ModelID)

	all := store.Instances()
	assert.Len(t, all, 4)
	assert.Len(t, byStatus(all, message.StatusCompleted), 4)

	// The request records the process instance it started.
	request, err := store.Get(ctx, sent[0].ID)
	require.NoError(t, err)
	assert.Equal(t, requestApproval, request.Name)
	assert.Equal(t, string(instances[1].ID), request.TargetProcessInstanceID)
	assert.Equal(t, string(sender.ID), request.ProcessInstanceID)
}

func TestCoordinator_FanOut(t *testing.T) {
	ctx := context.Background()
	store := message.NewInMemoryStore()

	engine := conversation.NewEngine(store,
		conversation.Model{
			ID: "test_group/message_sender",
			Steps: []conversation.Step{
				{Sends: []string{"Message One", "Message Two"}, Receive: "Reply One"},
				{Receive: "Reply Two"},
			},
		},
		conversation.Model{
			ID:           "test_group/message_receiver_one",
			StartMessage: "Message One",
			Steps:        []conversation.Step{{Sends: []string{"Reply One"}}},
		},
		conversation.Model{
			ID:           "test_group/message_receiver_two",
			StartMessage: "Message Two",
			Steps:        []conversation.Step{{Sends: []string{"Reply Two"}}},
		},
	)

	registry, err := correlation.NewRegistry()
	require.NoError(t, err)

	coordinator := newCoordinator(t, store, registry, engine, engine.Routes())

	sender, err := engine.Run(ctx, "test_group/message_sender", message.Payload{"topic": "fan-out"})
	require.NoError(t, err)

	owned, err := store.ByProcessInstance(ctx, string(sender.ID))
	require.NoError(t, err)
	assert.Len(t, owned, 3)
	assert.Len(t, store.Instances(), 3)

	sends, err := store.ReadyByDirection(ctx, message.Send)
	require.NoError(t, err)
	assert.Len(t, sends, 2)

	summary, err := coordinator.CorrelateAllMessageInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, correlate.Summary{Instantiated: 2}, summary)

	instances := engine.Instances()
	require.Len(t, instances, 3)
	assert.Equal(t, process.ModelID("test_group/message_receiver_one"), instances[1].ModelID)
	assert.Equal(t, process.StatusComplete, instances[1].Status)
	assert.Equal(t, process.ModelID("test_group/message_receiver_two"), instances[2].ModelID)
	assert.Equal(t, process.StatusComplete, instances[2].Status)
	assert.Len(t, store.Instances(), 7)

	for _, receiver := range instances[1:] {
		owned, err := store.ByProcessInstance(ctx, string(receiver.ID))
		require.NoError(t, err)
		assert.NotEmpty(t, owned)
	}

	// Replies generate more messages: a couple of passes are needed to drain.
	for i := 0; i < 2; i++ {
		_, err = coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
	}

	all := store.Instances()
	assert.Len(t, all, 8)
	assert.Len(t, byStatus(all, message.StatusCompleted), 8)

	for _, instance := range engine.Instances() {
		assert.Equal(t, process.StatusComplete, instance.Status, "process instance %s", instance.ID)
	}
}

func TestCoordinator_CorrelateAllMessageInstances(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	send := func(name, owner string, payload message.Payload, age time.Duration) message.Instance {
		return message.NewSend(name, owner, payload, now.Add(-age))
	}

	setup := func(t *testing.T, models ...conversation.Model) (*message.InMemoryStore, *conversation.Engine, *correlate.Coordinator) {
		store := message.NewInMemoryStore()
		engine := conversation.NewEngine(store, models...)
		coordinator := newCoordinator(t, store, approvalRegistry(t), engine, engine.Routes())

		return store, engine, coordinator
	}

	waitingModel := conversation.Model{
		ID:    "waiting",
		Steps: []conversation.Step{{Receive: requestApproval}},
	}

	startedModel := conversation.Model{
		ID:           "started",
		StartMessage: requestApproval,
	}

	t.Run("delivers to the oldest waiting receive instead of starting a new instance", func(t *testing.T) {
		store, engine, coordinator := setup(t, waitingModel, startedModel)

		first, err := engine.Run(ctx, "waiting", invoice)
		require.NoError(t, err)

		second, err := engine.Run(ctx, "waiting", invoice)
		require.NoError(t, err)

		request := send(requestApproval, "", invoice, 0)
		require.NoError(t, store.Append(ctx, request))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Delivered: 1}, summary)

		firstInstance, _ := engine.Instance(first.ID)
		secondInstance, _ := engine.Instance(second.ID)
		assert.Equal(t, process.StatusComplete, firstInstance.Status)
		assert.Equal(t, process.StatusWaiting, secondInstance.Status)
		assert.Len(t, engine.Instances(), 2)

		delivered, err := store.Get(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusCompleted, delivered.Status)
		assert.Equal(t, string(first.ID), delivered.TargetProcessInstanceID)
		assert.Equal(t, string(first.ID), delivered.ProcessInstanceID)

		counterpart, err := store.Get(ctx, delivered.CounterpartID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusCompleted, counterpart.Status)
		assert.Equal(t, request.ID, counterpart.CounterpartID)
	})

	t.Run("receives with different correlation values are not matched", func(t *testing.T) {
		store, engine, coordinator := setup(t, waitingModel)

		_, err := engine.Run(ctx, "waiting", message.Payload{"customer_id": "Sartography", "po_number": 1002})
		require.NoError(t, err)

		request := send(requestApproval, "sender", invoice, 0)
		require.NoError(t, store.Append(ctx, request))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Pending: 1}, summary)
		assert.Zero(t, engine.Delivered())

		pending, err := store.Get(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusReady, pending.Status)
	})

	t.Run("sends with missing correlation values are left ready", func(t *testing.T) {
		store, engine, coordinator := setup(t, waitingModel, startedModel)

		_, err := engine.Run(ctx, "waiting", invoice)
		require.NoError(t, err)

		broken := send(requestApproval, "sender", message.Payload{"customer_id": "Sartography"}, time.Second)
		require.NoError(t, store.Append(ctx, broken))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Pending: 1}, summary)

		pending, err := store.Get(ctx, broken.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusReady, pending.Status)
		assert.Len(t, engine.Instances(), 1)
	})

	t.Run("sends without receivers nor routes are left ready", func(t *testing.T) {
		store, _, coordinator := setup(t)

		request := send(requestApproval, "sender", invoice, 0)
		require.NoError(t, store.Append(ctx, request))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Pending: 1}, summary)

		pending, err := store.Get(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusReady, pending.Status)
		assert.Equal(t, uuid.Nil, pending.ClaimToken)
	})

	t.Run("failed deliveries fail the send and release the receive", func(t *testing.T) {
		store, engine, coordinator := setup(t, waitingModel)

		_, err := engine.Run(ctx, "waiting", invoice)
		require.NoError(t, err)

		engine.FailDeliveries = errors.New("process instance is suspended")

		request := send(requestApproval, "sender", invoice, 0)
		require.NoError(t, store.Append(ctx, request))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Failed: 1}, summary)

		failed, err := store.Get(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusFailed, failed.Status)
		assert.Contains(t, failed.FailureCause, "process instance is suspended")

		receives, err := store.ReadyByDirection(ctx, message.Receive)
		require.NoError(t, err)
		assert.Len(t, receives, 1)

		// Failed instances are never picked up again.
		summary, err = coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{}, summary)
	})

	t.Run("a failed send does not block later sends with the same values", func(t *testing.T) {
		store, engine, coordinator := setup(t, waitingModel)

		_, err := engine.Run(ctx, "waiting", invoice)
		require.NoError(t, err)

		first := send(requestApproval, "sender", invoice, time.Minute)
		require.NoError(t, store.Append(ctx, first))

		engine.FailDeliveries = errors.New("engine is down")

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Failed: 1}, summary)

		engine.FailDeliveries = nil

		second := send(requestApproval, "sender", invoice, 0)
		require.NoError(t, store.Append(ctx, second))

		summary, err = coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Delivered: 1}, summary)
	})

	t.Run("failed instantiations fail the send", func(t *testing.T) {
		store, engine, coordinator := setup(t, startedModel)
		engine.FailStarts = errors.New("process model is disabled")

		request := send(requestApproval, "sender", invoice, 0)
		require.NoError(t, store.Append(ctx, request))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Failed: 1}, summary)

		failed, err := store.Get(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusFailed, failed.Status)
		assert.Contains(t, failed.FailureCause, "process model is disabled")
	})

	t.Run("stale claims are reclaimed and processed", func(t *testing.T) {
		store, engine, coordinator := setup(t, waitingModel)
		coordinator.ClaimTimeout = time.Minute

		_, err := engine.Run(ctx, "waiting", invoice)
		require.NoError(t, err)

		request := send(requestApproval, "sender", invoice, time.Hour)
		require.NoError(t, store.Append(ctx, request))
		require.NoError(t, store.Claim(ctx, request.ID, message.NewClaim(now.Add(-time.Hour))))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Delivered: 1, Reclaimed: 1}, summary)
	})

	t.Run("fresh claims are left alone", func(t *testing.T) {
		store, _, coordinator := setup(t, waitingModel)

		request := send(requestApproval, "sender", invoice, time.Hour)
		require.NoError(t, store.Append(ctx, request))
		require.NoError(t, store.Claim(ctx, request.ID, message.NewClaim(time.Now())))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{}, summary)

		claimed, err := store.Get(ctx, request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusRunning, claimed.Status)
	})

	t.Run("passes are idempotent once drained", func(t *testing.T) {
		store, engine, coordinator := setup(t, waitingModel)

		_, err := engine.Run(ctx, "waiting", invoice)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, send(requestApproval, "sender", invoice, 0)))

		_, err = coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)

		before := store.Instances()

		for i := 0; i < 3; i++ {
			summary, err := coordinator.CorrelateAllMessageInstances(ctx)
			require.NoError(t, err)
			assert.Equal(t, correlate.Summary{}, summary)
		}

		assert.Equal(t, before, store.Instances())
	})

	t.Run("storage failures abort the pass", func(t *testing.T) {
		store, engine, _ := setup(t)
		storeErr := errors.New("connection reset")

		coordinator := newCoordinator(t, failingStore{Store: store, err: storeErr}, approvalRegistry(t), engine, nil)

		_, err := coordinator.CorrelateAllMessageInstances(ctx)
		assert.ErrorIs(t, err, storeErr)
	})
}

// cancellingEngine cancels the pass context right after the wrapped
// engine has accepted a message.
type cancellingEngine struct {
	*conversation.Engine
	cancel context.CancelFunc
}

func (e cancellingEngine) StartInstance(
	ctx context.Context,
	model process.ModelID,
	payload message.Payload,
) (process.Ref, error) {
	defer e.cancel()
	return e.Engine.StartInstance(ctx, model, payload)
}

func (e cancellingEngine) Deliver(
	ctx context.Context,
	id process.InstanceID,
	receiveID uuid.UUID,
	payload message.Payload,
) error {
	defer e.cancel()
	return e.Engine.Deliver(ctx, id, receiveID, payload)
}

func TestCoordinator_CancelledAfterEngineAccepted(t *testing.T) {
	later := func() time.Time { return time.Now().Add(10 * time.Minute) }

	t.Run("a started process instance is recorded and never started twice", func(t *testing.T) {
		store := message.NewInMemoryStore()
		inner := conversation.NewEngine(store, conversation.Model{
			ID:           "started",
			StartMessage: requestApproval,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		engine := cancellingEngine{Engine: inner, cancel: cancel}
		coordinator := newCoordinator(t, store, approvalRegistry(t), engine, inner.Routes())

		request := message.NewSend(requestApproval, "sender", invoice, time.Now())
		require.NoError(t, store.Append(context.Background(), request))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Instantiated: 1}, summary)

		started, err := store.Get(context.Background(), request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusCompleted, started.Status)

		coordinator.Now = later

		summary, err = coordinator.CorrelateAllMessageInstances(context.Background())
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{}, summary)
		assert.Len(t, inner.Instances(), 1)
	})

	t.Run("a delivered message is recorded and never delivered twice", func(t *testing.T) {
		store := message.NewInMemoryStore()
		inner := conversation.NewEngine(store, conversation.Model{
			ID:    "waiting",
			Steps: []conversation.Step{{Receive: requestApproval}},
		})

		_, err := inner.Run(context.Background(), "waiting", invoice)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		engine := cancellingEngine{Engine: inner, cancel: cancel}
		coordinator := newCoordinator(t, store, approvalRegistry(t), engine, inner.Routes())

		request := message.NewSend(requestApproval, "sender", invoice, time.Now())
		require.NoError(t, store.Append(context.Background(), request))

		summary, err := coordinator.CorrelateAllMessageInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{Delivered: 1}, summary)

		delivered, err := store.Get(context.Background(), request.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusCompleted, delivered.Status)

		counterpart, err := store.Get(context.Background(), delivered.CounterpartID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusCompleted, counterpart.Status)

		coordinator.Now = later

		summary, err = coordinator.CorrelateAllMessageInstances(context.Background())
		require.NoError(t, err)
		assert.Equal(t, correlate.Summary{}, summary)
		assert.Equal(t, 1, inner.Delivered())
	})
}

func TestCoordinator_ConcurrentPasses(t *testing.T) {
	const (
		conversations = 50
		coordinators  = 8
	)

	ctx := context.Background()
	store := message.NewInMemoryStore()

	engine := conversation.NewEngine(store, conversation.Model{
		ID:    "waiting",
		Steps: []conversation.Step{{Receive: requestApproval}},
	})

	for i := 0; i < conversations; i++ {
		payload := message.Payload{"customer_id": "Sartography", "po_number": i}

		_, err := engine.Run(ctx, "waiting", payload)
		require.NoError(t, err)

		require.NoError(t, store.Append(ctx,
			message.NewSend(requestApproval, fmt.Sprintf("sender-%d", i), payload, time.Now()),
		))
	}

	registry := approvalRegistry(t)
	summaries := make([]correlate.Summary, coordinators)

	group, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < coordinators; i++ {
		coordinator := newCoordinator(t, store, registry, engine, nil)

		group.Go(func() error {
			summary, err := coordinator.CorrelateAllMessageInstances(groupCtx)
			summaries[i] = summary

			return err
		})
	}

	require.NoError(t, group.Wait())

	var total correlate.Summary
	for _, summary := range summaries {
		total = total.Add(summary)
	}

	assert.Equal(t, conversations, total.Delivered)
	assert.Zero(t, total.Failed)
	assert.Equal(t, conversations, engine.Delivered())

	for _, instance := range engine.Instances() {
		assert.Equal(t, process.StatusComplete, instance.Status, "process instance %s", instance.ID)
	}

	all := store.Instances()
	assert.Len(t, byStatus(all, message.StatusCompleted), 2*conversations)
}

type failingStore struct {
	message.Store
	err error
}

func (s failingStore) ReadyByDirection(context.Context, message.Direction) ([]message.Instance, error) {
	return nil, s.err
}
