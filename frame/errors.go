package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrSizeExceeded matches encode-time size violations. The message is
	// dropped and nothing is written, so the stream stays usable.
	ErrSizeExceeded = errors.New("frame: payload size exceeded")

	// ErrFrameTooLarge matches decode-time violations. A peer declared a
	// payload longer than the configured maximum; the stream cannot be
	// resynchronised and the connection must be torn down.
	ErrFrameTooLarge = errors.New("frame: declared payload too large")
)

// SizeExceededError reports an outbound message whose serialized form is
// larger than the maximum payload size.
type SizeExceededError struct {
	Size uint64
	Max  uint64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("maximum payload size is %d bytes but got a payload of %d", e.Max, e.Size)
}

func (e *SizeExceededError) Is(target error) bool {
	return target == ErrSizeExceeded
}

// FrameTooLargeError reports an inbound header declaring more than Max bytes.
type FrameTooLargeError struct {
	ID     uint64
	Length uint64
	Max    uint64
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame %d declares %d payload bytes, maximum is %d", e.ID, e.Length, e.Max)
}

func (e *FrameTooLargeError) Is(target error) bool {
	return target == ErrFrameTooLarge
}

// SerializeError wraps a serializer failure on the encode path.
type SerializeError struct {
	Err error
}

func (e *SerializeError) Error() string { return "frame: serialize payload: " + e.Err.Error() }
func (e *SerializeError) Unwrap() error { return e.Err }

// DeserializeError is the per-message outcome of a payload that was framed
// correctly but could not be reconstructed. It never aborts decoding.
type DeserializeError struct {
	ID  uint64
	Err error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("frame %d: deserialize payload: %v", e.ID, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// IsFatal reports whether err leaves the stream unusable. Errors scoped to a
// single message (size, serialize and deserialize failures) are not fatal;
// framing violations and anything else, such as transport I/O, are.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		de *DeserializeError
		se *SerializeError
	)
	if errors.As(err, &de) || errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, ErrSizeExceeded)
}
