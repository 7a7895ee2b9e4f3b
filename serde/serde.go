// Package serde contains the serialization building blocks used by the
// storage adapters and the engine client to encode payloads and records.
package serde

import "fmt"

// Serde maps values of type T to and from another representation E.
type Serde[T, E any] interface {
	Serialize(value T) (E, error)
	Deserialize(encoded E) (T, error)
}

var _ Serde[any, []byte] = Funcs[any, []byte]{}

// Funcs is a Serde implemented by a pair of conversion functions.
type Funcs[T, E any] struct {
	To   func(value T) (E, error)
	From func(encoded E) (T, error)
}

// Serialize implements the Serde interface.
func (f Funcs[T, E]) Serialize(value T) (E, error) { return f.To(value) }

// Deserialize implements the Serde interface.
func (f Funcs[T, E]) Deserialize(encoded E) (T, error) { return f.From(encoded) }

// Infallible adapts a conversion that cannot fail to the shape used by Funcs.
func Infallible[A, B any](fn func(A) B) func(A) (B, error) {
	return func(a A) (B, error) { return fn(a), nil }
}

// Chain composes two Serdes through the intermediate representation M.
func Chain[T, M, E any](first Serde[T, M], second Serde[M, E]) Funcs[T, E] {
	return Funcs[T, E]{
		To: func(value T) (E, error) {
			var zero E

			mid, err := first.Serialize(value)
			if err != nil {
				return zero, fmt.Errorf("serde.Chain: first stage serializer failed, %w", err)
			}

			encoded, err := second.Serialize(mid)
			if err != nil {
				return zero, fmt.Errorf("serde.Chain: second stage serializer failed, %w", err)
			}

			return encoded, nil
		},
		From: func(encoded E) (T, error) {
			var zero T

			mid, err := second.Deserialize(encoded)
			if err != nil {
				return zero, fmt.Errorf("serde.Chain: second stage deserializer failed, %w", err)
			}

			value, err := first.Deserialize(mid)
			if err != nil {
				return zero, fmt.Errorf("serde.Chain: first stage deserializer failed, %w", err)
			}

			return value, nil
		},
	}
}
