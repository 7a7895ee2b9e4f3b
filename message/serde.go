package message

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/get-eventually/go-correlator/serde"
)

// PayloadJSONSerde serializes a Payload to and from JSON.
var PayloadJSONSerde = serde.NewJSON(func() Payload { return make(Payload) })

// PayloadStructSerde maps a Payload to and from a Protobuf Struct.
//
// Numbers are always mapped back as float64.
var PayloadStructSerde = serde.Funcs[Payload, *structpb.Struct]{
	To: func(payload Payload) (*structpb.Struct, error) {
		s, err := structpb.NewStruct(payload)
		if err != nil {
			return nil, fmt.Errorf("message.PayloadStructSerde: failed to convert payload, %w", err)
		}

		return s, nil
	},
	From: serde.Infallible(func(s *structpb.Struct) Payload {
		return s.AsMap()
	}),
}

// PayloadProtoSerde serializes a Payload to and from the Protobuf
// wire format, using a Struct message as intermediate representation.
var PayloadProtoSerde = serde.Chain[Payload, *structpb.Struct, []byte](
	PayloadStructSerde,
	serde.NewProto(func() *structpb.Struct { return new(structpb.Struct) }),
)

// PayloadProtoJSONSerde serializes a Payload to and from JSON, going through
// a Protobuf Struct, so that numbers are always decoded as float64.
var PayloadProtoJSONSerde = serde.Chain[Payload, *structpb.Struct, []byte](
	PayloadStructSerde,
	serde.NewProtoJSON(func() *structpb.Struct { return new(structpb.Struct) }),
)
