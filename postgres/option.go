package postgres

import (
	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/serde"
)

// Option can be used to change the configuration of an object.
type Option[T any] interface {
	apply(T)
}

type option[T any] func(T)

func newOption[T any](f func(T)) option[T] { return option[T](f) }

func (apply option[T]) apply(val T) { apply(val) }

// WithPayloadSerde allows you to specify a different encoding for the
// payload column of a MessageStore. The encoding must produce valid JSON.
func WithPayloadSerde(payloadSerde serde.Serde[message.Payload, []byte]) Option[*MessageStore] {
	return newOption(func(store *MessageStore) {
		store.PayloadSerde = payloadSerde
	})
}
