package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Protobuf serializes proto.Message values. Unmarshal needs a non-nil message pointer.
type Protobuf struct{}

var _ Codec = Protobuf{}

func (Protobuf) Name() string { return "protobuf" }

func (Protobuf) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: protobuf: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (Protobuf) Unmarshal(b []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: protobuf: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(b, m)
}
