package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"muxrpc/codec"
	"muxrpc/message"
)

// rawCodec passes []byte payloads through untouched, which makes exact
// payload sizes easy to control.
type rawCodec struct{}

func (rawCodec) Encode(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unexpected %T", v)
	}
	return *b, nil
}

func (rawCodec) Decode(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: unexpected %T", v)
	}
	*b = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Type() codec.CodecType { return codec.CodecType(0xff) }

// brokenSizer reports a size, then fails halfway through writing.
type brokenSizer struct {
	rawCodec
	lie bool
}

func (s brokenSizer) EncodedSize(v any) (uint64, error) { return 4, nil }

func (s brokenSizer) EncodeTo(w io.Writer, v any) error {
	if s.lie {
		_, err := w.Write([]byte{1, 2, 3, 4, 5, 6})
		return err
	}
	if _, err := w.Write([]byte{1, 2}); err != nil {
		return err
	}
	return errors.New("disk on fire")
}

type triple struct {
	A, B, C string
}

func header(id, length uint64) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[:8], id)
	binary.BigEndian.PutUint64(buf[8:], length)
	return buf
}

func TestSerializeTwice(t *testing.T) {
	msg := triple{"a", "b", "c"}
	var buf bytes.Buffer

	// Fresh codec each time: no state may leak between runs.
	for i := 0; i < 2; i++ {
		c := NewCodec[triple, triple](2_000_000, &codec.JSONCodec{})
		require.NoError(t, c.Encode(4, msg, &buf))

		res, err := c.Decode(&buf)
		require.NoError(t, err)
		require.NotNil(t, res)
		require.NoError(t, res.Err)
		require.Equal(t, uint64(4), res.ID)
		require.Equal(t, msg, res.Message)
		require.Zero(t, buf.Len(), "expected empty buffer after decode")
	}
}

func TestRoundTripCodecs(t *testing.T) {
	msg := message.RPCMessage{ServiceMethod: "Arith.Add", Payload: []byte(`{"A":1,"B":2}`)}
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeMsgpack} {
		t.Run(ct.String(), func(t *testing.T) {
			c := NewCodec[message.RPCMessage, message.RPCMessage](DefaultMaxPayloadSize, codec.GetCodec(ct))
			var buf bytes.Buffer
			require.NoError(t, c.Encode(1<<40, msg, &buf))

			res, err := c.Decode(&buf)
			require.NoError(t, err)
			require.NotNil(t, res)
			require.NoError(t, res.Err)
			require.Equal(t, uint64(1<<40), res.ID)
			require.Equal(t, msg.ServiceMethod, res.Message.ServiceMethod)
			require.Equal(t, msg.Payload, res.Message.Payload)
			require.Zero(t, buf.Len())
		})
	}
}

func TestWireLayout(t *testing.T) {
	c := NewCodec[[]byte, []byte](64, rawCodec{})
	var buf bytes.Buffer
	require.NoError(t, c.Encode(0x0102030405060708, []byte("hi"), &buf))

	want := append(header(0x0102030405060708, 2), 'h', 'i')
	require.Equal(t, want, buf.Bytes())
	require.Len(t, buf.Bytes(), HeaderSize+2)
}

func TestIncrementalFeedMatchesSingleCall(t *testing.T) {
	msg := triple{"alpha", "beta", "gamma"}
	var encoded bytes.Buffer
	enc := NewCodec[triple, triple](1024, &codec.JSONCodec{})
	require.NoError(t, enc.Encode(99, msg, &encoded))
	wire := encoded.Bytes()

	whole := NewCodec[triple, triple](1024, &codec.JSONCodec{})
	want, err := whole.Decode(bytes.NewBuffer(append([]byte(nil), wire...)))
	require.NoError(t, err)
	require.NotNil(t, want)

	for _, chunk := range []int{1, 3, 7, 8, 15, 16, 17} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			dec := NewCodec[triple, triple](1024, &codec.JSONCodec{})
			var in bytes.Buffer
			var got *Result[triple]
			for off := 0; off < len(wire); off += chunk {
				require.Nil(t, got, "frame completed before all bytes were fed")
				end := min(off+chunk, len(wire))
				in.Write(wire[off:end])
				got, err = dec.Decode(&in)
				require.NoError(t, err)
			}
			require.NotNil(t, got)
			require.Equal(t, want, got)
			require.Zero(t, in.Len())
		})
	}
}

func TestDecodeDoesNotOverConsume(t *testing.T) {
	c := NewCodec[[]byte, []byte](64, rawCodec{})
	var in bytes.Buffer

	hdr := header(42, 5)
	in.Write(hdr[:7])
	res, err := c.Decode(&in)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, 7, in.Len(), "partial identifier must not be consumed")
	state, _, _ := c.State()
	require.Equal(t, AwaitingIdentifier, state)

	in.Write(hdr[7:12])
	res, err = c.Decode(&in)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, 4, in.Len(), "partial length must not be consumed")
	state, id, _ := c.State()
	require.Equal(t, AwaitingLength, state)
	require.Equal(t, uint64(42), id)

	in.Write(hdr[12:])
	in.WriteString("abc")
	res, err = c.Decode(&in)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, 3, in.Len(), "partial payload must not be consumed")
	state, id, length := c.State()
	require.Equal(t, AwaitingPayload, state)
	require.Equal(t, uint64(42), id)
	require.Equal(t, uint64(5), length)

	in.WriteString("de")
	res, err = c.Decode(&in)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, uint64(42), res.ID)
	require.Equal(t, []byte("abcde"), res.Message)
	require.Zero(t, in.Len())
}

func TestDecodeEmptyInput(t *testing.T) {
	c := NewCodec[[]byte, []byte](64, rawCodec{})
	res, err := c.Decode(&bytes.Buffer{})
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestDecodeOneFramePerCall(t *testing.T) {
	c := NewCodec[[]byte, []byte](64, rawCodec{})
	var buf bytes.Buffer
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, c.Encode(id, []byte(strings.Repeat("x", int(id))), &buf))
	}
	// A zero-length payload is a valid frame.
	require.NoError(t, c.Encode(4, []byte{}, &buf))

	for id := uint64(1); id <= 3; id++ {
		res, err := c.Decode(&buf)
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Equal(t, id, res.ID)
		require.Len(t, res.Message, int(id))
	}
	res, err := c.Decode(&buf)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, uint64(4), res.ID)
	require.Empty(t, res.Message)

	res, err = c.Decode(&buf)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestSizeCapIsSymmetric(t *testing.T) {
	const max = 32

	t.Run("encode", func(t *testing.T) {
		c := NewCodec[[]byte, []byte](max, rawCodec{})
		var buf bytes.Buffer
		require.NoError(t, c.Encode(1, make([]byte, max), &buf))
		require.Equal(t, HeaderSize+max, buf.Len())

		buf.Reset()
		err := c.Encode(2, make([]byte, max+1), &buf)
		require.ErrorIs(t, err, ErrSizeExceeded)
		var sizeErr *SizeExceededError
		require.ErrorAs(t, err, &sizeErr)
		require.Equal(t, uint64(max+1), sizeErr.Size)
		require.Equal(t, uint64(max), sizeErr.Max)
		require.Zero(t, buf.Len(), "failed encode must not write anything")
	})

	t.Run("encode with sizer", func(t *testing.T) {
		bin := &codec.BinaryCodec{}
		// 8 bytes of length prefixes plus method and payload.
		fits := message.RPCMessage{ServiceMethod: "A.B", Payload: make([]byte, max-8-3)}
		tooBig := message.RPCMessage{ServiceMethod: "A.B", Payload: make([]byte, max-8-3+1)}

		c := NewCodec[message.RPCMessage, message.RPCMessage](max, bin)
		var buf bytes.Buffer
		require.NoError(t, c.Encode(1, fits, &buf))
		require.Equal(t, HeaderSize+max, buf.Len())

		buf.Reset()
		buf.WriteString("keep")
		require.ErrorIs(t, c.Encode(2, tooBig, &buf), ErrSizeExceeded)
		require.Equal(t, "keep", buf.String())
	})

	t.Run("decode", func(t *testing.T) {
		c := NewCodec[[]byte, []byte](max, rawCodec{})
		in := bytes.NewBuffer(header(1, max))
		in.Write(make([]byte, max))
		res, err := c.Decode(in)
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Len(t, res.Message, max)

		in = bytes.NewBuffer(header(2, max+1))
		_, err = c.Decode(in)
		require.ErrorIs(t, err, ErrFrameTooLarge)
		var tooLarge *FrameTooLargeError
		require.ErrorAs(t, err, &tooLarge)
		require.Equal(t, uint64(2), tooLarge.ID)
		require.Equal(t, uint64(max+1), tooLarge.Length)
	})
}

func TestDeserializeBig(t *testing.T) {
	c := NewCodec[[]byte, []byte](24, codec.NewMsgpackCodec())

	var out bytes.Buffer
	err := c.Encode(0, make([]byte, 24), &out)
	require.ErrorIs(t, err, ErrSizeExceeded)
	require.False(t, IsFatal(err))
	require.Zero(t, out.Len(), "no stray identifier may be left behind")

	var in bytes.Buffer
	in.Write(make([]byte, 8))
	in.Write([]byte{0, 0, 0, 0, 0, 0, 0, 25})
	_, err = c.Decode(&in)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.True(t, IsFatal(err))

	// The stream is unusable from here on, even if valid bytes follow.
	in.Write(header(1, 0))
	_, again := c.Decode(&in)
	require.ErrorIs(t, again, ErrFrameTooLarge)
}

func TestDeserializeFailureIsIsolated(t *testing.T) {
	c := NewCodec[message.RPCMessage, message.RPCMessage](1024, &codec.BinaryCodec{})

	var buf bytes.Buffer
	buf.Write(header(7, 2))
	buf.Write([]byte{0xff, 0xff})
	require.NoError(t, c.Encode(8, message.RPCMessage{ServiceMethod: "Arith.Add"}, &buf))

	res, err := c.Decode(&buf)
	require.NoError(t, err, "a bad payload must not fail the stream")
	require.NotNil(t, res)
	require.Equal(t, uint64(7), res.ID)
	var de *DeserializeError
	require.ErrorAs(t, res.Err, &de)
	require.Equal(t, uint64(7), de.ID)
	require.ErrorIs(t, res.Err, codec.ErrShortBuffer)
	require.False(t, IsFatal(res.Err))

	state, id, length := c.State()
	require.Equal(t, AwaitingIdentifier, state)
	require.Zero(t, id)
	require.Zero(t, length)

	res, err = c.Decode(&buf)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NoError(t, res.Err)
	require.Equal(t, uint64(8), res.ID)
	require.Equal(t, "Arith.Add", res.Message.ServiceMethod)
}

func TestEncodeRollsBackOnSerializerFailure(t *testing.T) {
	for _, lie := range []bool{false, true} {
		c := NewCodec[[]byte, []byte](64, brokenSizer{lie: lie})
		var buf bytes.Buffer
		buf.WriteString("prior frames")

		err := c.Encode(1, []byte("x"), &buf)
		var se *SerializeError
		require.ErrorAs(t, err, &se)
		require.False(t, IsFatal(err))
		require.Equal(t, "prior frames", buf.String())
	}
}

func TestZeroMaxAdmitsOnlyEmptyPayloads(t *testing.T) {
	c := NewCodec[[]byte, []byte](0, rawCodec{})
	require.Zero(t, c.MaxPayloadSize())

	var out bytes.Buffer
	err := c.Encode(2, []byte("x"), &out)
	require.ErrorIs(t, err, ErrSizeExceeded)
	require.Zero(t, out.Len())

	require.NoError(t, c.Encode(3, []byte{}, &out))
	res, err := c.Decode(&out)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, uint64(3), res.ID)
	require.NoError(t, res.Err)
	require.Empty(t, res.Message)

	in := bytes.NewBuffer(append(header(1, 1), 'x'))
	res, err = c.Decode(in)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestIsFatal(t *testing.T) {
	require.False(t, IsFatal(nil))
	require.False(t, IsFatal(&SizeExceededError{Size: 2, Max: 1}))
	require.False(t, IsFatal(fmt.Errorf("send: %w", &DeserializeError{Err: io.EOF})))
	require.True(t, IsFatal(&FrameTooLargeError{Length: 2, Max: 1}))
	require.True(t, IsFatal(io.ErrUnexpectedEOF))
}
