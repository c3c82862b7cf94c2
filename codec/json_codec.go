package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. It cannot size a value without marshalling it,
// so the frame codec marshals once and checks the resulting length.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
