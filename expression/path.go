package expression

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/get-eventually/go-correlator/message"
)

var _ Evaluator = Path{}

// Path evaluates dotted field paths, such as "invoice.customer_id"
// or "items.0.sku", against a payload.
//
// Numeric segments index into lists.
type Path struct{}

// Evaluate implements the Evaluator interface.
func (Path) Evaluate(ctx context.Context, expression string, payload message.Payload) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &EvalError{Expression: expression, Err: err}
	}

	path := strings.TrimSpace(expression)
	if path == "" {
		return nil, &EvalError{Expression: expression, Err: fmt.Errorf("empty path")}
	}

	var current any = map[string]any(payload)

	for _, segment := range strings.Split(path, ".") {
		next, ok := step(current, segment)
		if !ok {
			return nil, &EvalError{Expression: expression, Err: fmt.Errorf("segment '%s', %w", segment, ErrNoValue)}
		}

		current = next
	}

	if current == nil {
		return nil, &EvalError{Expression: expression, Err: ErrNoValue}
	}

	return current, nil
}

func step(current any, segment string) (any, bool) {
	switch node := current.(type) {
	case map[string]any:
		v, ok := node[segment]
		return v, ok
	case message.Payload:
		v, ok := node[segment]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}

		return node[idx], true
	default:
		return nil, false
	}
}
