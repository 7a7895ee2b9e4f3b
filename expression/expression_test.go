package expression_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-correlator/expression"
	"github.com/get-eventually/go-correlator/message"
)

var payload = message.Payload{
	"customer_id": "Sartography",
	"po_number":   1001,
	"invoice": map[string]any{
		"amount": "100.00",
		"lines":  []any{map[string]any{"sku": "feature-42"}},
	},
	"nothing": nil,
}

func TestPath(t *testing.T) {
	ctx := context.Background()
	evaluator := expression.Path{}

	testCases := []struct {
		name       string
		expression string
		expected   any
	}{
		{name: "top-level field", expression: "customer_id", expected: "Sartography"},
		{name: "numeric field", expression: "po_number", expected: 1001},
		{name: "nested field", expression: "invoice.amount", expected: "100.00"},
		{name: "list index", expression: "invoice.lines.0.sku", expected: "feature-42"},
		{name: "surrounding spaces are ignored", expression: " customer_id ", expected: "Sartography"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			value, err := evaluator.Evaluate(ctx, tc.expression, payload)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, value)
		})
	}

	for _, expr := range []string{"missing", "invoice.missing", "invoice.lines.3.sku", "customer_id.inner", "nothing", ""} {
		t.Run("no value for "+expr, func(t *testing.T) {
			value, err := evaluator.Evaluate(ctx, expr, payload)
			assert.Nil(t, value)

			var evalErr *expression.EvalError
			require.ErrorAs(t, err, &evalErr)
			assert.Equal(t, expr, evalErr.Expression)
		})
	}

	t.Run("missing fields wrap expression.ErrNoValue", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, "missing", payload)
		assert.ErrorIs(t, err, expression.ErrNoValue)
	})
}

func TestInterpreter(t *testing.T) {
	ctx := context.Background()

	evaluator, err := expression.NewInterpreter()
	require.NoError(t, err)

	t.Run("field lookup", func(t *testing.T) {
		value, err := evaluator.Evaluate(ctx, `payload["customer_id"]`, payload)
		require.NoError(t, err)
		assert.Equal(t, "Sartography", value)
	})

	t.Run("standard library calls", func(t *testing.T) {
		value, err := evaluator.Evaluate(ctx, `strings.ToUpper(payload["customer_id"].(string))`, payload)
		require.NoError(t, err)
		assert.Equal(t, "SARTOGRAPHY", value)
	})

	t.Run("missing field yields no value", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, `payload["missing"]`, payload)
		assert.ErrorIs(t, err, expression.ErrNoValue)
	})

	t.Run("panics are turned into errors", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, `payload["po_number"].(string)`, payload)

		var evalErr *expression.EvalError
		require.ErrorAs(t, err, &evalErr)
	})

	t.Run("compilation errors", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, `payload[`, payload)

		var evalErr *expression.EvalError
		require.ErrorAs(t, err, &evalErr)
	})

	t.Run("compilation errors do not affect later expressions", func(t *testing.T) {
		_, err := evaluator.Evaluate(ctx, `payload["customer_id"] +`, payload)
		require.Error(t, err)

		value, err := evaluator.Evaluate(ctx, `payload["po_number"]`, payload)
		require.NoError(t, err)
		assert.Equal(t, payload["po_number"], value)

		// Compiled expressions are cached and evaluated again.
		value, err = evaluator.Evaluate(ctx, `payload["po_number"]`, message.Payload{"po_number": 1002})
		require.NoError(t, err)
		assert.Equal(t, 1002, value)
	})

	t.Run("safe for concurrent use", func(t *testing.T) {
		var wg sync.WaitGroup

		for range 4 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				value, err := evaluator.Evaluate(ctx, `payload["customer_id"]`, payload)
				assert.NoError(t, err)
				assert.Equal(t, "Sartography", value)
			}()
		}

		wg.Wait()
	})
}
