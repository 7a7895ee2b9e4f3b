package correlation

import (
	"context"
	"fmt"

	"github.com/get-eventually/go-correlator/expression"
	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/serde"
)

var canonicalSerializer = serde.NewJSON(func() any { return nil })

// Value is the materialized set of correlation values of a Message Instance,
// indexed by property name.
//
// Values are kept in their canonical JSON encoding, so that the same
// number compares equal regardless of its Go type (e.g. int coming from
// a test fixture and float64 coming from a JSON column).
type Value map[string]string

// Matches returns true if the two Values hold equal values for all the
// specified properties. A property missing from either Value never matches.
//
// An empty set of properties always matches.
func (v Value) Matches(other Value, properties []string) bool {
	for _, property := range properties {
		mine, ok := v[property]
		if !ok {
			return false
		}

		theirs, ok := other[property]
		if !ok || mine != theirs {
			return false
		}
	}

	return true
}

// ExtractionError is returned by the Extractor when a correlation value
// cannot be computed from the payload of a Message Instance.
//
// It is not fatal: the Message Instance simply cannot be matched until
// its correlation values become computable.
type ExtractionError struct {
	MessageName string
	Property    string
	Err         error
}

// Error returns the error message.
func (err *ExtractionError) Error() string {
	return fmt.Sprintf(
		"correlation: failed to extract property '%s' from message '%s', %v",
		err.Property, err.MessageName, err.Err,
	)
}

// Unwrap returns the underlying error.
func (err *ExtractionError) Unwrap() error { return err.Err }

// Extractor computes the correlation Value of Message Instances,
// using the Properties registered for their message name.
type Extractor struct {
	Registry  *Registry
	Evaluator expression.Evaluator
}

// Extract computes the correlation Value of the provided Message Instance.
//
// An *ExtractionError is returned if any of the registered properties
// cannot be evaluated against the Message Instance payload.
func (e Extractor) Extract(ctx context.Context, instance message.Instance) (Value, error) {
	properties := e.Registry.PropertiesOf(instance.Name)
	value := make(Value, len(properties))

	for _, property := range properties {
		expr, _ := e.Registry.Retrieval(property, instance.Name)

		result, err := e.Evaluator.Evaluate(ctx, expr, instance.Payload)
		if err != nil {
			return nil, &ExtractionError{MessageName: instance.Name, Property: property, Err: err}
		}

		if result == nil {
			return nil, &ExtractionError{MessageName: instance.Name, Property: property, Err: expression.ErrNoValue}
		}

		canonical, err := canonicalSerializer.Serialize(result)
		if err != nil {
			return nil, &ExtractionError{
				MessageName: instance.Name,
				Property:    property,
				Err:         fmt.Errorf("value is not comparable, %w", err),
			}
		}

		value[property] = string(canonical)
	}

	return value, nil
}
