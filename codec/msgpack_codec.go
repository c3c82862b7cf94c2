package codec

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MsgpackCodec encodes values with the MessagePack handle used by net/rpc
// msgpack transports. Struct fields are encoded by name.
type MsgpackCodec struct {
	handle *codec.MsgpackHandle
}

func NewMsgpackCodec() *MsgpackCodec {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	return &MsgpackCodec{handle: h}
}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, c.handle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return codec.NewDecoderBytes(data, c.handle).Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
