package correlation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-correlator/correlation"
	"github.com/get-eventually/go-correlator/expression"
	"github.com/get-eventually/go-correlator/message"
)

const (
	requestMessage = "Request Approval"
	approvalReply  = "Approval Result"
	auditMessage   = "Audit Approval"
	pingMessage    = "Ping"
)

func newRegistry(t *testing.T) *correlation.Registry {
	t.Helper()

	registry, err := correlation.NewRegistry(
		correlation.Property{
			Name: "customer_id",
			Retrievals: map[string]string{
				requestMessage: "customer_id",
				approvalReply:  "customer_id",
				auditMessage:   "audit.customer",
			},
		},
		correlation.Property{
			Name: "po_number",
			Retrievals: map[string]string{
				requestMessage: "po_number",
				approvalReply:  "po_number",
			},
		},
	)
	require.NoError(t, err)

	return registry
}

func TestNewRegistry(t *testing.T) {
	t.Run("empty property name", func(t *testing.T) {
		_, err := correlation.NewRegistry(correlation.Property{})
		assert.ErrorIs(t, err, correlation.ErrEmptyPropertyName)
	})

	t.Run("duplicate property", func(t *testing.T) {
		_, err := correlation.NewRegistry(
			correlation.Property{Name: "customer_id"},
			correlation.Property{Name: "customer_id"},
		)
		assert.ErrorIs(t, err, correlation.ErrDuplicateProperty)
	})

	t.Run("empty retrieval expression", func(t *testing.T) {
		_, err := correlation.NewRegistry(correlation.Property{
			Name:       "customer_id",
			Retrievals: map[string]string{requestMessage: ""},
		})
		assert.ErrorIs(t, err, correlation.ErrEmptyRetrieval)
	})
}

func TestRegistry(t *testing.T) {
	registry := newRegistry(t)

	assert.Equal(t, []string{"customer_id", "po_number"}, registry.PropertiesOf(requestMessage))
	assert.Equal(t, []string{"customer_id"}, registry.PropertiesOf(auditMessage))
	assert.Empty(t, registry.PropertiesOf(pingMessage))

	assert.Equal(t, []string{"customer_id"}, registry.SharedProperties(requestMessage, auditMessage))

	t.Run("same names are always compatible", func(t *testing.T) {
		assert.True(t, registry.Compatible(pingMessage, pingMessage))
	})

	t.Run("receivers must define all the send properties", func(t *testing.T) {
		assert.True(t, registry.Compatible(requestMessage, approvalReply))
		assert.True(t, registry.Compatible(auditMessage, requestMessage))
		assert.False(t, registry.Compatible(requestMessage, auditMessage))
	})

	t.Run("sends with no properties only match their own name", func(t *testing.T) {
		assert.False(t, registry.Compatible(pingMessage, requestMessage))
		assert.Equal(t, []string{pingMessage}, registry.CompatibleNames(pingMessage))
	})

	assert.Equal(t,
		[]string{approvalReply, auditMessage, requestMessage},
		registry.CompatibleNames(auditMessage),
	)
}

func TestExtractor(t *testing.T) {
	ctx := context.Background()
	extractor := correlation.Extractor{
		Registry:  newRegistry(t),
		Evaluator: expression.Path{},
	}

	t.Run("values are canonicalized", func(t *testing.T) {
		fromFixture, err := extractor.Extract(ctx, message.NewSend(requestMessage, "", message.Payload{
			"customer_id": "Sartography",
			"po_number":   1001,
		}, time.Now()))
		require.NoError(t, err)

		fromJSON, err := extractor.Extract(ctx, message.NewSend(requestMessage, "", message.Payload{
			"customer_id": "Sartography",
			"po_number":   float64(1001),
		}, time.Now()))
		require.NoError(t, err)

		assert.Equal(t, correlation.Value{"customer_id": `"Sartography"`, "po_number": "1001"}, fromFixture)
		assert.Equal(t, fromFixture, fromJSON)
	})

	t.Run("missing fields return an extraction error", func(t *testing.T) {
		_, err := extractor.Extract(ctx, message.NewSend(requestMessage, "", message.Payload{
			"customer_id": "Sartography",
		}, time.Now()))

		var extractionErr *correlation.ExtractionError
		require.ErrorAs(t, err, &extractionErr)
		assert.Equal(t, "po_number", extractionErr.Property)
		assert.Equal(t, requestMessage, extractionErr.MessageName)
		assert.ErrorIs(t, err, expression.ErrNoValue)
	})

	t.Run("evaluators returning nothing are extraction errors", func(t *testing.T) {
		nothing := correlation.Extractor{
			Registry: newRegistry(t),
			Evaluator: expression.EvaluatorFunc(func(context.Context, string, message.Payload) (any, error) {
				return nil, nil
			}),
		}

		payload := message.Payload{"customer_id": "Sartography", "po_number": 1001}

		for _, instance := range []message.Instance{
			message.NewSend(requestMessage, "", payload, time.Now()),
			message.NewReceive(approvalReply, "pi-1", payload, time.Now()),
		} {
			value, err := nothing.Extract(ctx, instance)
			assert.Nil(t, value)

			var extractionErr *correlation.ExtractionError
			require.ErrorAs(t, err, &extractionErr)
			assert.Equal(t, instance.Name, extractionErr.MessageName)
			assert.ErrorIs(t, err, expression.ErrNoValue)
		}
	})

	t.Run("messages without properties have an empty value", func(t *testing.T) {
		value, err := extractor.Extract(ctx, message.NewSend(pingMessage, "", nil, time.Now()))
		require.NoError(t, err)
		assert.Empty(t, value)
	})
}

func TestValueMatches(t *testing.T) {
	value := correlation.Value{"customer_id": `"Sartography"`, "po_number": "1001"}

	assert.True(t, value.Matches(correlation.Value{"customer_id": `"Sartography"`}, []string{"customer_id"}))
	assert.False(t, value.Matches(correlation.Value{"customer_id": `"Other"`}, []string{"customer_id"}))
	assert.False(t, value.Matches(correlation.Value{}, []string{"po_number"}))
	assert.True(t, value.Matches(correlation.Value{}, nil))
}

func TestMatcher(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	matcher := correlation.Matcher{
		Extractor: correlation.Extractor{
			Registry:  newRegistry(t),
			Evaluator: expression.Path{},
		},
	}

	payload := message.Payload{"customer_id": "Sartography", "po_number": 1001}
	send := message.NewSend(requestMessage, "sender", payload, now)

	t.Run("no candidates means no match", func(t *testing.T) {
		_, ok, err := matcher.FindMatch(ctx, send, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("oldest matching receive is selected", func(t *testing.T) {
		newer := message.NewReceive(requestMessage, "newer", payload, now.Add(time.Minute))
		older := message.NewReceive(approvalReply, "older", payload, now)

		match, ok, err := matcher.FindMatch(ctx, send, []message.Instance{newer, older})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, older.ID, match.ID)
	})

	t.Run("shared property values must be equal", func(t *testing.T) {
		other := message.NewReceive(requestMessage, "other", message.Payload{
			"customer_id": "Sartography",
			"po_number":   1002,
		}, now)

		_, ok, err := matcher.FindMatch(ctx, send, []message.Instance{other})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non ready, send or incompatible candidates are skipped", func(t *testing.T) {
		completed := message.NewReceive(requestMessage, "completed", payload, now)
		completed.Status = message.StatusCompleted

		anotherSend := message.NewSend(requestMessage, "send", payload, now)
		incompatible := message.NewReceive(auditMessage, "audit", message.Payload{
			"audit": map[string]any{"customer": "Sartography"},
		}, now)

		_, ok, err := matcher.FindMatch(ctx, send, []message.Instance{completed, anotherSend, incompatible})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("candidates failing extraction are skipped", func(t *testing.T) {
		broken := message.NewReceive(requestMessage, "broken", message.Payload{"customer_id": "Sartography"}, now)
		valid := message.NewReceive(requestMessage, "valid", payload, now.Add(time.Second))

		match, ok, err := matcher.FindMatch(ctx, send, []message.Instance{broken, valid})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, valid.ID, match.ID)
	})

	t.Run("different names match on the shared properties only", func(t *testing.T) {
		audit := message.NewSend(auditMessage, "auditor", message.Payload{
			"audit": map[string]any{"customer": "Sartography"},
		}, now)
		receive := message.NewReceive(requestMessage, "receiver", message.Payload{
			"customer_id": "Sartography",
			"po_number":   9999,
		}, now)

		match, ok, err := matcher.FindMatch(ctx, audit, []message.Instance{receive})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, receive.ID, match.ID)
	})

	t.Run("no shared properties is a universal match", func(t *testing.T) {
		ping := message.NewSend(pingMessage, "pinger", nil, now)
		pong := message.NewReceive(pingMessage, "ponger", message.Payload{"anything": true}, now)

		match, ok, err := matcher.FindMatch(ctx, ping, []message.Instance{pong})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, pong.ID, match.ID)
	})

	t.Run("send extraction failures are returned", func(t *testing.T) {
		broken := message.NewSend(requestMessage, "sender", message.Payload{}, now)

		_, _, err := matcher.FindMatch(ctx, broken, nil)

		var extractionErr *correlation.ExtractionError
		assert.ErrorAs(t, err, &extractionErr)
	})
}
