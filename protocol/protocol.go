// Package protocol binds frame codecs to a byte-stream transport.
//
// A Proto carries the settings shared by both directions of a connection
// (maximum payload size, serialization format, logger). Binding it to a
// net.Conn, or any io.ReadWriter, yields a Framed connection whose role
// wrappers give requests and responses their meaning:
//
//	client: WriteRequest(id, req) ──► frames ──► ReadRequest()       :server
//	        ReadResponse()        ◄── frames ◄── WriteResponse(id, r)
//
// Identifiers are assigned by the layer above; Framed only carries them.
package protocol

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"muxrpc/codec"
	"muxrpc/frame"
)

const readChunkSize = 4096

var (
	metricFramesSent     = []string{"muxrpc", "frame", "sent"}
	metricBytesSent      = []string{"muxrpc", "frame", "bytes_sent"}
	metricFramesRecv     = []string{"muxrpc", "frame", "received"}
	metricBytesRecv      = []string{"muxrpc", "frame", "bytes_received"}
	metricOversizeDrops  = []string{"muxrpc", "frame", "oversize_dropped"}
	metricDecodeFailures = []string{"muxrpc", "frame", "deserialize_failed"}
	metricFramingErrors  = []string{"muxrpc", "frame", "framing_error"}
)

// Proto describes how to frame a connection. Out is the type written by this
// side and In the type read from the peer.
type Proto[Out, In any] struct {
	MaxPayloadSize uint64
	Codec          codec.Codec
	Logger         hclog.Logger
}

// New returns a Proto for the given limit and serialization format.
func New[Out, In any](maxPayloadSize uint64, cdc codec.Codec, logger hclog.Logger) *Proto[Out, In] {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Proto[Out, In]{MaxPayloadSize: maxPayloadSize, Codec: cdc, Logger: logger}
}

// Bind attaches a fresh pair of codecs to rw.
func (p *Proto[Out, In]) Bind(rw io.ReadWriter) *Framed[Out, In] {
	logger := p.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("frame")
	return &Framed[Out, In]{
		rw:     rw,
		enc:    frame.NewCodec[Out, In](p.MaxPayloadSize, p.Codec, frame.WithLogger(logger)),
		dec:    frame.NewCodec[Out, In](p.MaxPayloadSize, p.Codec, frame.WithLogger(logger)),
		logger: logger,
	}
}

// BindServer binds rw in the server role: requests are read, responses written.
func BindServer[Resp, Req any](p *Proto[Resp, Req], rw io.ReadWriter) *ServerConn[Resp, Req] {
	return &ServerConn[Resp, Req]{framed: p.Bind(rw)}
}

// BindClient binds rw in the client role: requests are written, responses read.
func BindClient[Req, Resp any](p *Proto[Req, Resp], rw io.ReadWriter) *ClientConn[Req, Resp] {
	return &ClientConn[Req, Resp]{framed: p.Bind(rw)}
}

// Framed is a connection carrying frames in both directions. Send may be
// called from many goroutines; Recv must be called from a single reader.
type Framed[Out, In any] struct {
	rw     io.ReadWriter
	logger hclog.Logger

	sending sync.Mutex // guards enc and out; a frame is flushed whole before the next one starts
	enc     *frame.Codec[Out, In]
	out     bytes.Buffer

	dec   *frame.Codec[Out, In]
	in    bytes.Buffer
	chunk []byte
}

// Send frames (id, msg) and writes it to the transport. A SizeExceededError
// or SerializeError drops only this message; the stream is untouched. A write
// error means the stream may hold a partial frame and must be closed.
func (f *Framed[Out, In]) Send(id uint64, msg Out) error {
	f.sending.Lock()
	defer f.sending.Unlock()

	if err := f.enc.Encode(id, msg, &f.out); err != nil {
		if errors.Is(err, frame.ErrSizeExceeded) {
			metrics.IncrCounter(metricOversizeDrops, 1)
		}
		return err
	}

	n := f.out.Len()
	_, err := f.out.WriteTo(f.rw)
	f.out.Reset()
	if err != nil {
		return err
	}
	metrics.IncrCounter(metricFramesSent, 1)
	metrics.IncrCounter(metricBytesSent, float32(n))
	return nil
}

// Recv returns the next frame from the transport, reading as many chunks as
// it takes to complete one. The per-message deserialize outcome is in
// Result.Err; a returned error is fatal for the connection. io.EOF is
// returned only when the peer closed between frames; a close in the middle
// of a frame yields io.ErrUnexpectedEOF.
func (f *Framed[Out, In]) Recv() (*frame.Result[In], error) {
	if f.chunk == nil {
		f.chunk = make([]byte, readChunkSize)
	}
	for {
		res, err := f.dec.Decode(&f.in)
		if err != nil {
			metrics.IncrCounter(metricFramingErrors, 1)
			f.logger.Error("framing violation, closing stream", "error", err)
			return nil, err
		}
		if res != nil {
			metrics.IncrCounter(metricFramesRecv, 1)
			if res.Err != nil {
				metrics.IncrCounter(metricDecodeFailures, 1)
				f.logger.Debug("payload failed to deserialize", "id", res.ID, "error", res.Err)
			}
			return res, nil
		}

		n, err := f.rw.Read(f.chunk)
		if n > 0 {
			f.in.Write(f.chunk[:n])
			metrics.IncrCounter(metricBytesRecv, float32(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				// Bytes arrived with the EOF: drain them before reporting it.
				continue
			}
			if errors.Is(err, io.EOF) && (f.in.Len() > 0 || f.midFrame()) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (f *Framed[Out, In]) midFrame() bool {
	state, _, _ := f.dec.State()
	return state != frame.AwaitingIdentifier
}

// Buffered returns the number of received bytes not yet consumed as frames.
func (f *Framed[Out, In]) Buffered() int {
	return f.in.Len()
}

// Close closes the transport if it is an io.Closer.
func (f *Framed[Out, In]) Close() error {
	if c, ok := f.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ServerConn is the server role: inbound frames are requests.
type ServerConn[Resp, Req any] struct {
	framed *Framed[Resp, Req]
}

func (s *ServerConn[Resp, Req]) ReadRequest() (*frame.Result[Req], error) {
	return s.framed.Recv()
}

func (s *ServerConn[Resp, Req]) WriteResponse(id uint64, resp Resp) error {
	return s.framed.Send(id, resp)
}

func (s *ServerConn[Resp, Req]) Close() error {
	return s.framed.Close()
}

// ClientConn is the client role: inbound frames are responses.
type ClientConn[Req, Resp any] struct {
	framed *Framed[Req, Resp]
}

func (c *ClientConn[Req, Resp]) WriteRequest(id uint64, req Req) error {
	return c.framed.Send(id, req)
}

func (c *ClientConn[Req, Resp]) ReadResponse() (*frame.Result[Resp], error) {
	return c.framed.Recv()
}

func (c *ClientConn[Req, Resp]) Close() error {
	return c.framed.Close()
}
