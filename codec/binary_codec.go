package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"muxrpc/message"
)

var (
	ErrNotRPCMessage = errors.New("binary codec: value must be message.RPCMessage")
	ErrShortBuffer   = errors.New("binary codec: short buffer")
	ErrTrailingBytes = errors.New("binary codec: trailing bytes after message")
	ErrFieldTooLong  = errors.New("binary codec: field exceeds its length prefix")
)

// binaryFixedFields is the combined size of the three length prefixes.
const binaryFixedFields = 2 + 4 + 2

// BinaryCodec serializes message.RPCMessage with a compact layout:
//
//	methodLen(2) | method | payloadLen(4) | payload | errorLen(2) | error
//
// All lengths are big-endian. The layout size is known up front, so
// BinaryCodec implements Sizer.
type BinaryCodec struct{}

func rpcMessage(v any) (*message.RPCMessage, error) {
	switch msg := v.(type) {
	case *message.RPCMessage:
		if msg == nil {
			return nil, ErrNotRPCMessage
		}
		return msg, nil
	case message.RPCMessage:
		return &msg, nil
	}
	return nil, fmt.Errorf("%w: got %T", ErrNotRPCMessage, v)
}

func (c *BinaryCodec) EncodedSize(v any) (uint64, error) {
	msg, err := rpcMessage(v)
	if err != nil {
		return 0, err
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 ||
		uint64(len(msg.Payload)) > math.MaxUint32 {
		return 0, ErrFieldTooLong
	}
	return uint64(binaryFixedFields + len(msg.ServiceMethod) + len(msg.Payload) + len(msg.Error)), nil
}

func (c *BinaryCodec) EncodeTo(w io.Writer, v any) error {
	msg, err := rpcMessage(v)
	if err != nil {
		return err
	}
	if _, err := c.EncodedSize(msg); err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint16(lenBuf[:2], uint16(len(msg.ServiceMethod)))
	if _, err := w.Write(lenBuf[:2]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, msg.ServiceMethod); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(lenBuf[:4], uint32(len(msg.Payload)))
	if _, err := w.Write(lenBuf[:4]); err != nil {
		return err
	}
	if _, err := w.Write(msg.Payload); err != nil {
		return err
	}

	binary.BigEndian.PutUint16(lenBuf[:2], uint16(len(msg.Error)))
	if _, err := w.Write(lenBuf[:2]); err != nil {
		return err
	}
	_, err = io.WriteString(w, msg.Error)
	return err
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, err := rpcMessage(v)
	if err != nil {
		return nil, err
	}
	total, err := c.EncodedSize(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

// Decode fills v, which must be a *message.RPCMessage. Malformed input is
// reported as an error and never panics.
func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok || msg == nil {
		return fmt.Errorf("%w: got %T", ErrNotRPCMessage, v)
	}

	r := binaryReader{data: data}
	method := r.next(int(r.uint16()))
	payload := r.next(int(r.uint32()))
	errText := r.next(int(r.uint16()))
	if r.short {
		return ErrShortBuffer
	}
	if len(r.data) != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, len(r.data))
	}

	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errText)
	return nil
}

type binaryReader struct {
	data  []byte
	short bool
}

func (r *binaryReader) next(n int) []byte {
	if r.short || n < 0 || len(r.data) < n {
		r.short = true
		return nil
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *binaryReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
