// Package transport implements the client side of a multiplexed connection.
//
// ClientTransport lets many concurrent RPC calls share one connection. Each
// request gets a unique frame identifier, and a background goroutine (recvLoop)
// reads responses and routes them to the caller waiting on that identifier.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"muxrpc/codec"
	"muxrpc/frame"
	"muxrpc/message"
	"muxrpc/protocol"
)

// ErrClosed is returned by Send once the transport has shut down.
var ErrClosed = errors.New("transport: connection closed")

// Config holds per-connection settings.
type Config struct {
	CodecType      codec.CodecType
	MaxPayloadSize uint64 // 0 selects frame.DefaultMaxPayloadSize
	Logger         hclog.Logger
}

// Response is the outcome of one call. Err is set when no response message
// can be delivered: a *frame.DeserializeError for a reply that arrived but
// could not be decoded, or an error wrapping ErrClosed when the connection
// failed first. Message is nil whenever Err is set.
type Response struct {
	Message *message.RPCMessage
	Err     error
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn   net.Conn
	framed *protocol.ClientConn[message.RPCMessage, message.RPCMessage]
	logger hclog.Logger

	nextID atomic.Uint64 // identifiers are never reused on one connection

	mu      sync.Mutex
	pending map[uint64]chan Response
	err     error // set once the connection is unusable

	done chan struct{}
}

// NewClientTransport binds conn in the client role and starts recvLoop.
func NewClientTransport(conn net.Conn, cfg Config) *ClientTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.With("remote", conn.RemoteAddr().String())
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = frame.DefaultMaxPayloadSize
	}

	proto := protocol.New[message.RPCMessage, message.RPCMessage](cfg.MaxPayloadSize, codec.GetCodec(cfg.CodecType), logger)
	t := &ClientTransport{
		conn:    conn,
		framed:  protocol.BindClient(proto, conn),
		logger:  logger,
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	return t
}

// Send serializes args as the payload of a request for serviceMethod and
// writes it on the connection. It returns the identifier assigned to the call
// and a channel that receives exactly one response.
//
// A request that exceeds the maximum payload size fails on its own; the
// connection stays usable for other calls.
func (t *ClientTransport) Send(serviceMethod string, args any) (uint64, <-chan Response, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal args: %w", err)
	}

	id := t.nextID.Add(1)
	respChan := make(chan Response, 1) // buffered so recvLoop never blocks

	// Register before writing so a fast response cannot race the entry.
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return 0, nil, err
	}
	t.pending[id] = respChan
	t.mu.Unlock()

	req := message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
	if err := t.framed.WriteRequest(id, req); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		if frame.IsFatal(err) {
			t.fail(err)
		}
		return 0, nil, err
	}
	return id, respChan, nil
}

// Forget drops the pending entry for id. A response that arrives later is
// discarded.
func (t *ClientTransport) Forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// recvLoop is the only reader of the connection. A response whose payload
// cannot be deserialized fails only the call it belongs to; a framing or I/O
// error fails every pending call and closes the connection.
func (t *ClientTransport) recvLoop() {
	for {
		res, err := t.framed.ReadResponse()
		if err != nil {
			t.fail(err)
			return
		}

		resp := Response{Message: &res.Message}
		if res.Err != nil {
			resp = Response{Err: res.Err}
		}

		t.mu.Lock()
		ch, ok := t.pending[res.ID]
		delete(t.pending, res.ID)
		t.mu.Unlock()
		if !ok {
			t.logger.Warn("dropping response for unknown call", "id", res.ID)
			continue
		}
		ch <- resp
	}
}

// fail records err, notifies every pending caller and closes the connection.
func (t *ClientTransport) fail(err error) {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return
	}
	closedErr := fmt.Errorf("%w: %w", ErrClosed, err)
	t.err = closedErr
	pending := t.pending
	t.pending = make(map[uint64]chan Response)
	t.mu.Unlock()

	t.logger.Debug("connection failed", "error", err, "pending", len(pending))
	for _, ch := range pending {
		ch <- Response{Err: closedErr}
	}
	t.conn.Close()
	close(t.done)
}

// Close shuts the connection down and fails outstanding calls.
func (t *ClientTransport) Close() error {
	t.fail(errors.New("closed by client"))
	return nil
}

// Err returns the reason the transport stopped, or nil while it is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the transport has stopped.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
