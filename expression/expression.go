// Package expression contains the evaluators used to extract values
// from Message Instance payloads.
//
// The correlation engine does not own an expression language: it only
// relies on the Evaluator interface. Two implementations are provided,
// Path for plain field lookups and Interpreter for Go expressions.
package expression

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-eventually/go-correlator/message"
)

// ErrNoValue is returned by an Evaluator when the expression yields no value,
// e.g. because it addresses a field missing from the payload.
var ErrNoValue = errors.New("expression: no value")

// EvalError is returned by an Evaluator when an expression
// could not be evaluated against a payload.
type EvalError struct {
	Expression string
	Err        error
}

// Error returns the error message.
func (err *EvalError) Error() string {
	return fmt.Sprintf("expression: failed to evaluate '%s', %v", err.Expression, err.Err)
}

// Unwrap returns the underlying error.
func (err *EvalError) Unwrap() error { return err.Err }

// Evaluator evaluates an expression against a Message Instance payload.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, payload message.Payload) (any, error)
}

// EvaluatorFunc is a functional implementation of the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, expression string, payload message.Payload) (any, error)

// Evaluate implements the Evaluator interface.
func (fn EvaluatorFunc) Evaluate(ctx context.Context, expression string, payload message.Payload) (any, error) {
	return fn(ctx, expression, payload)
}
