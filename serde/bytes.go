package serde

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// bytesSerde builds a byte-array Serde out of a marshal and unmarshal pair.
//
// The factory creates the values to unmarshal into, so that pointer types
// and maps are allocated before decoding.
func bytesSerde[T any](
	format string,
	factory func() T,
	marshal func(value T) ([]byte, error),
	unmarshal func(data []byte, value *T) error,
) Funcs[T, []byte] {
	return Funcs[T, []byte]{
		To: func(value T) ([]byte, error) {
			data, err := marshal(value)
			if err != nil {
				return nil, fmt.Errorf("serde.%s: failed to serialize data, %w", format, err)
			}

			return data, nil
		},
		From: func(data []byte) (T, error) {
			value := factory()
			if err := unmarshal(data, &value); err != nil {
				var zero T
				return zero, fmt.Errorf("serde.%s: failed to deserialize data, %w", format, err)
			}

			return value, nil
		},
	}
}

// NewJSON returns a Serde encoding values of type T as JSON.
func NewJSON[T any](factory func() T) Funcs[T, []byte] {
	return bytesSerde("JSON", factory,
		func(value T) ([]byte, error) { return json.Marshal(value) },
		func(data []byte, value *T) error { return json.Unmarshal(data, value) },
	)
}

// NewProto returns a Serde encoding Protobuf messages in their wire format.
func NewProto[T proto.Message](factory func() T) Funcs[T, []byte] {
	return bytesSerde("Proto", factory,
		func(value T) ([]byte, error) { return proto.Marshal(value) },
		func(data []byte, value *T) error { return proto.Unmarshal(data, *value) },
	)
}

// NewProtoJSON returns a Serde encoding Protobuf messages in their canonical JSON format.
func NewProtoJSON[T proto.Message](factory func() T) Funcs[T, []byte] {
	return bytesSerde("ProtoJSON", factory,
		func(value T) ([]byte, error) { return protojson.Marshal(value) },
		func(data []byte, value *T) error { return protojson.Unmarshal(data, *value) },
	)
}
