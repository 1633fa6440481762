package swrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype the control service is spoken in.
const codecName = "json"

// jsonCodec marshals the control messages as JSON. The messages are plain
// structs, so no generated protobuf code is needed.
type jsonCodec struct{}

// A compile time check to ensure jsonCodec implements the encoding.Codec
// interface.
var _ encoding.Codec = jsonCodec{}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Marshal returns the JSON encoding of v.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes the JSON in data into v.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name returns the name the codec is registered under.
func (jsonCodec) Name() string {
	return codecName
}
