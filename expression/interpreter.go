package expression

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/get-eventually/go-correlator/message"
)

var _ Evaluator = new(Interpreter)

// Interpreter evaluates Go expressions against a payload, using yaegi.
//
// The payload is available in the expression as the `payload` variable,
// of type map[string]any, e.g.:
//
//	strings.ToLower(payload["customer_id"].(string))
//
// Expressions are compiled once and cached. The standard library symbols
// are available to the expressions.
type Interpreter struct {
	mx       sync.Mutex
	interp   *interp.Interpreter
	compiled map[string]reflect.Value
	declared int
}

// NewInterpreter returns a new Interpreter with the standard library loaded.
func NewInterpreter() (*Interpreter, error) {
	i := interp.New(interp.Options{})

	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("expression.NewInterpreter: failed to load stdlib symbols, %w", err)
	}

	// Expressions are single lines: make the stdlib packages available
	// without import statements.
	i.ImportUsed()

	return &Interpreter{
		interp:   i,
		compiled: make(map[string]reflect.Value),
	}, nil
}

// compile declares each expression as a named function in the
// interpreter main package, and returns the function value.
func (in *Interpreter) compile(expression string) (reflect.Value, error) {
	if fn, ok := in.compiled[expression]; ok {
		return fn, nil
	}

	// Names are never reused, so that a declaration that failed
	// to compile cannot shadow the next one.
	in.declared++
	name := fmt.Sprintf("expr%d", in.declared)

	declaration := fmt.Sprintf("func %s(payload map[string]interface{}) interface{} { return %s }", name, expression)
	if _, err := in.interp.Eval(declaration); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to compile, %w", err)
	}

	fn, err := in.interp.Eval(name)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("failed to look up compiled function, %w", err)
	}

	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("compiled expression is not a function, %s", fn.Kind())
	}

	in.compiled[expression] = fn

	return fn, nil
}

// Evaluate implements the Evaluator interface.
func (in *Interpreter) Evaluate(ctx context.Context, expression string, payload message.Payload) (result any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, &EvalError{Expression: expression, Err: err}
	}

	in.mx.Lock()
	defer in.mx.Unlock()

	fn, err := in.compile(expression)
	if err != nil {
		return nil, &EvalError{Expression: expression, Err: err}
	}

	// Interpreted code can panic, e.g. on a failed type assertion.
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &EvalError{Expression: expression, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if payload == nil {
		payload = message.Payload{}
	}

	out := fn.Call([]reflect.Value{reflect.ValueOf(map[string]any(payload))})
	if len(out) != 1 || !out[0].IsValid() {
		return nil, &EvalError{Expression: expression, Err: ErrNoValue}
	}

	value := out[0].Interface()
	if value == nil {
		return nil, &EvalError{Expression: expression, Err: ErrNoValue}
	}

	return value, nil
}
