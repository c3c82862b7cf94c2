// Package frame implements the multiplexed wire framing used by every muxrpc
// connection. Each frame carries an opaque identifier that correlates a
// request with its response, so many calls can be in flight on one stream:
//
//	0                8                16
//	┌────────────────┬────────────────┬──────────────────┐
//	│ id (uint64 BE) │ len (uint64 BE)│ payload ...      │
//	└────────────────┴────────────────┴──────────────────┘
//
// The decoder is incremental: bytes may arrive in chunks of any size, and the
// codec remembers which part of the header it has already parsed.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"muxrpc/codec"
)

const (
	idSize     = 8
	lengthSize = 8

	// HeaderSize is the number of bytes preceding every payload.
	HeaderSize = idSize + lengthSize

	// DefaultMaxPayloadSize is the limit configuration falls back to when
	// none is set.
	DefaultMaxPayloadSize uint64 = 2_000_000
)

// State is the decoder phase.
type State int

const (
	AwaitingIdentifier State = iota
	AwaitingLength
	AwaitingPayload
)

func (s State) String() string {
	switch s {
	case AwaitingIdentifier:
		return "awaiting-identifier"
	case AwaitingLength:
		return "awaiting-length"
	case AwaitingPayload:
		return "awaiting-payload"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result is one decoded frame. Err holds the deserialize outcome for this
// message only; when it is non-nil, Message is the zero value.
type Result[T any] struct {
	ID      uint64
	Message T
	Err     error
}

type Option func(*options)

type options struct {
	logger hclog.Logger
}

// WithLogger sets the logger used for trace output and oversize warnings.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Codec converts between (id, Out) pairs and frames on the outbound side, and
// between frames and (id, In) results on the inbound side.
//
// A Codec is owned by one connection and is not safe for concurrent use:
// Encode calls sharing a destination buffer and Decode calls sharing a source
// buffer must be serialized by the caller.
type Codec[Out, In any] struct {
	maxPayloadSize uint64
	serializer     codec.Codec
	logger         hclog.Logger

	state  State
	id     uint64
	length uint64

	// fatal is set once a framing violation has been seen on decode.
	fatal error
}

// NewCodec returns a codec in the AwaitingIdentifier state. maxPayloadSize
// is used as given; zero admits only empty payloads.
func NewCodec[Out, In any](maxPayloadSize uint64, serializer codec.Codec, opts ...Option) *Codec[Out, In] {
	o := options{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Codec[Out, In]{
		maxPayloadSize: maxPayloadSize,
		serializer:     serializer,
		logger:         o.logger,
		state:          AwaitingIdentifier,
	}
}

// MaxPayloadSize returns the limit applied to both directions.
func (c *Codec[Out, In]) MaxPayloadSize() uint64 {
	return c.maxPayloadSize
}

// State returns the decoder phase together with the identifier and length
// parsed so far. id is meaningful from AwaitingLength on, length only in
// AwaitingPayload.
func (c *Codec[Out, In]) State() (state State, id uint64, length uint64) {
	return c.state, c.id, c.length
}

func (c *Codec[Out, In]) tooBig(size uint64) error {
	c.logger.Warn("not sending too-big payload", "size", size, "max", c.maxPayloadSize)
	return &SizeExceededError{Size: size, Max: c.maxPayloadSize}
}

// Encode appends the frame for (id, msg) to dst. The payload size is checked
// before anything is written: on any error dst is left exactly as it was.
func (c *Codec[Out, In]) Encode(id uint64, msg Out, dst *bytes.Buffer) error {
	if sizer, ok := c.serializer.(codec.Sizer); ok {
		return c.encodeSized(sizer, id, &msg, dst)
	}

	payload, err := c.serializer.Encode(&msg)
	if err != nil {
		return &SerializeError{Err: err}
	}
	size := uint64(len(payload))
	if size > c.maxPayloadSize {
		return c.tooBig(size)
	}
	writeHeader(dst, id, size)
	dst.Write(payload)
	c.logger.Trace("encoded frame", "id", id, "length", size)
	return nil
}

func (c *Codec[Out, In]) encodeSized(sizer codec.Sizer, id uint64, msg *Out, dst *bytes.Buffer) error {
	size, err := sizer.EncodedSize(msg)
	if err != nil {
		return &SerializeError{Err: err}
	}
	if size > c.maxPayloadSize {
		return c.tooBig(size)
	}

	mark := dst.Len()
	writeHeader(dst, id, size)
	if err := sizer.EncodeTo(dst, msg); err != nil {
		dst.Truncate(mark)
		return &SerializeError{Err: err}
	}
	if written := uint64(dst.Len()-mark) - HeaderSize; written != size {
		dst.Truncate(mark)
		return &SerializeError{Err: fmt.Errorf("sizer reported %d bytes but wrote %d", size, written)}
	}
	c.logger.Trace("encoded frame", "id", id, "length", size)
	return nil
}

func writeHeader(dst *bytes.Buffer, id, length uint64) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint64(hdr[:idSize], id)
	binary.BigEndian.PutUint64(hdr[idSize:], length)
	dst.Write(hdr[:])
}

// Decode consumes at most one frame from src.
//
// It returns (nil, nil) when src does not yet hold enough bytes to finish the
// current phase; nothing belonging to that phase is consumed, so the caller
// appends more bytes and calls Decode again. A FrameTooLargeError is fatal:
// the codec refuses all further input once it has been returned.
func (c *Codec[Out, In]) Decode(src *bytes.Buffer) (*Result[In], error) {
	if c.fatal != nil {
		return nil, c.fatal
	}

	for {
		switch c.state {
		case AwaitingIdentifier:
			if src.Len() < idSize {
				c.logger.Trace("waiting for identifier", "buffered", src.Len())
				return nil, nil
			}
			c.id = binary.BigEndian.Uint64(src.Next(idSize))
			c.state = AwaitingLength
			c.logger.Trace("parsed identifier", "id", c.id)

		case AwaitingLength:
			if src.Len() < lengthSize {
				c.logger.Trace("waiting for payload length", "id", c.id, "buffered", src.Len())
				return nil, nil
			}
			length := binary.BigEndian.Uint64(src.Next(lengthSize))
			if length > c.maxPayloadSize {
				c.fatal = &FrameTooLargeError{ID: c.id, Length: length, Max: c.maxPayloadSize}
				return nil, c.fatal
			}
			c.length = length
			c.state = AwaitingPayload
			c.logger.Trace("parsed payload length", "id", c.id, "length", length, "buffered", src.Len())

		case AwaitingPayload:
			if uint64(src.Len()) < c.length {
				c.logger.Trace("waiting for payload", "id", c.id, "length", c.length, "buffered", src.Len())
				return nil, nil
			}
			payload := make([]byte, c.length)
			copy(payload, src.Next(int(c.length)))

			res := &Result[In]{ID: c.id}
			var msg In
			if err := c.serializer.Decode(payload, &msg); err != nil {
				res.Err = &DeserializeError{ID: c.id, Err: err}
			} else {
				res.Message = msg
			}

			// Done with this frame whatever the deserialize outcome was.
			c.state, c.id, c.length = AwaitingIdentifier, 0, 0
			return res, nil

		default:
			return nil, fmt.Errorf("frame: invalid decoder state %s", c.state)
		}
	}
}
