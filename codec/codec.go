// Package codec provides the serialization formats that turn RPC payloads into
// bytes and back. The frame layer treats every format as opaque: it only needs
// the encoded bytes (or their length) and hands deserialization failures back
// to the caller untouched.
package codec

import (
	"fmt"
	"io"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgpack CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// Sizer is implemented by codecs that can report the exact encoded length of
// a value before producing any bytes. The frame codec uses it to police the
// payload size without serializing the message twice.
type Sizer interface {
	EncodedSize(v any) (uint64, error)
	EncodeTo(w io.Writer, v any) error
}

// GetCodec returns the codec for codecType. Unknown types fall back to binary.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeMsgpack:
		return NewMsgpackCodec()
	default:
		return &BinaryCodec{}
	}
}

// ParseCodecType maps a config name ("json", "binary", "msgpack") to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json", "":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}
