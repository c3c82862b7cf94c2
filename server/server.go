// Package server implements the RPC server with service registration, middleware chain,
// parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Middleware Chain → businessHandler (reflect.Call) → WriteResponse(same id)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"muxrpc/codec"
	"muxrpc/frame"
	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/protocol"
	"muxrpc/registry"
)

// DefaultRegistrationTTL is the lease, in seconds, used when registering services.
const DefaultRegistrationTTL = 10

var (
	metricRequests        = []string{"muxrpc", "server", "requests"}
	metricBadRequests     = []string{"muxrpc", "server", "bad_requests"}
	metricDroppedRequests = []string{"muxrpc", "server", "dropped_requests"}
	metricOversizeReplies = []string{"muxrpc", "server", "oversize_responses"}
)

// ErrResponseTooLarge is sent back in place of a response that exceeded the
// maximum payload size.
var ErrResponseTooLarge = errors.New("response exceeds maximum payload size")

// Option configures a Server.
type Option func(*Server)

// WithCodec selects the serialization format spoken on every connection.
func WithCodec(t codec.CodecType) Option {
	return func(s *Server) { s.codecType = t }
}

// WithMaxPayloadSize caps frames in both directions.
func WithMaxPayloadSize(n uint64) Option {
	return func(s *Server) { s.maxPayloadSize = n }
}

// WithLogger sets the server logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMiddleware appends middlewares, as Use does.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// WithRegistry registers every service under advertiseAddr when serving
// starts and deregisters it on Shutdown.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
	}
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	serviceMap     map[string]*service
	codecType      codec.CodecType
	maxPayloadSize uint64
	logger         hclog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg          sync.WaitGroup          // in-flight requests
	shutdown    atomic.Bool             // suppresses the Accept error caused by Shutdown
	middlewares []middleware.Middleware // applied in registration order
	handler     middleware.HandlerFunc

	registry      registry.Registry
	advertiseAddr string // address published in the registry, e.g. "127.0.0.1:8080"
}

// NewServer creates a server speaking JSON with the default payload limit.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap:     make(map[string]*service),
		codecType:      codec.CodecTypeJSON,
		maxPayloadSize: frame.DefaultMaxPayloadSize,
		logger:         hclog.NewNullLogger(),
		conns:          make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// The struct's exported methods that match the RPC signature will be available for remote calls.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	if len(svc.method) == 0 {
		return fmt.Errorf("rpc: type %s has no exported methods of suitable type", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	svr.logger.Debug("registered service", "service", svc.name, "methods", len(svc.method))
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves connections until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener serves connections accepted from listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()
	if svr.shutdown.Load() {
		listener.Close()
		return nil
	}

	// Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if svr.registry != nil {
		for serviceName := range svr.serviceMap {
			err := svr.registry.Register(serviceName, registry.ServiceInstance{
				Addr: svr.advertiseAddr,
			}, DefaultRegistrationTTL)
			if err != nil {
				return fmt.Errorf("register %s: %w", serviceName, err)
			}
		}
	}

	svr.logger.Info("serving", "addr", listener.Addr().String(), "codec", svr.codecType.String(),
		"max_payload", svr.maxPayloadSize)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listener address once serving has started.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) trackConn(conn net.Conn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn reads frames from one connection. Reads are sequential, but
// each request is handled on its own goroutine, so responses may leave in
// any order; the frame identifier pairs them with their requests.
func (svr *Server) handleConn(conn net.Conn) {
	svr.trackConn(conn, true)
	defer svr.trackConn(conn, false)
	defer conn.Close()

	logger := svr.logger.With("conn", uuid.NewString(), "remote", conn.RemoteAddr().String())
	proto := protocol.New[message.RPCMessage, message.RPCMessage](svr.maxPayloadSize, codec.GetCodec(svr.codecType), logger)
	sc := protocol.BindServer(proto, conn)
	logger.Debug("accepted connection")

	for {
		req, err := sc.ReadRequest()
		if err != nil {
			if errors.Is(err, frame.ErrFrameTooLarge) {
				logger.Warn("closing connection", "error", err)
			} else {
				logger.Debug("connection closed", "error", err)
			}
			return
		}
		metrics.IncrCounter(metricRequests, 1)

		// Requests read after Shutdown started are dropped; the connection is
		// closed once in-flight work drains.
		if !svr.beginRequest() {
			metrics.IncrCounter(metricDroppedRequests, 1)
			logger.Debug("dropping request during shutdown", "id", req.ID)
			continue
		}

		// A payload that failed to deserialize is answered with an error for
		// its identifier only; the connection keeps going.
		if req.Err != nil {
			metrics.IncrCounter(metricBadRequests, 1)
			logger.Debug("malformed request", "id", req.ID, "error", req.Err)
			go func(id uint64, resp *message.RPCMessage) {
				defer svr.wg.Done()
				svr.writeResponse(sc, logger, id, resp)
			}(req.ID, message.Errorf("", req.Err))
			continue
		}

		go svr.handleRequest(sc, logger, req.ID, req.Message)
	}
}

// beginRequest reserves a slot in the in-flight group. It fails once Shutdown
// has started, so wg.Add never races wg.Wait.
func (svr *Server) beginRequest() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// handleRequest runs one request through the middleware chain and writes the
// response under the request's identifier.
func (svr *Server) handleRequest(sc *protocol.ServerConn[message.RPCMessage, message.RPCMessage], logger hclog.Logger, id uint64, req message.RPCMessage) {
	defer svr.wg.Done()
	resp := svr.handler(context.Background(), &req)
	svr.writeResponse(sc, logger, id, resp)
}

func (svr *Server) writeResponse(sc *protocol.ServerConn[message.RPCMessage, message.RPCMessage], logger hclog.Logger, id uint64, resp *message.RPCMessage) {
	err := sc.WriteResponse(id, *resp)
	if errors.Is(err, frame.ErrSizeExceeded) {
		metrics.IncrCounter(metricOversizeReplies, 1)
		logger.Warn("response dropped", "id", id, "method", resp.ServiceMethod, "error", err)
		err = sc.WriteResponse(id, *message.Errorf(resp.ServiceMethod, ErrResponseTooLarge))
	}
	if err != nil {
		logger.Error("failed to write response", "id", id, "error", err)
		if frame.IsFatal(err) {
			sc.Close()
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set the shutdown flag so the Accept error is recognized as intentional
//     and connection readers stop dispatching requests
//  3. Close the listener
//  4. Wait for in-flight requests to finish (with timeout), then close connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	var result error
	if svr.registry != nil {
		for serviceName := range svr.serviceMap {
			if err := svr.registry.Deregister(serviceName, svr.advertiseAddr); err != nil {
				result = multierror.Append(result, fmt.Errorf("deregister %s: %w", serviceName, err))
			}
		}
	}

	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		if err := svr.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		result = multierror.Append(result, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return result
}

// businessHandler dispatches a request to the registered service method.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply) → return RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || strings.Contains(methodName, ".") {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "invalid service method format"}
	}

	svc := svr.serviceMap[serviceName]
	if svc == nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "unknown service " + serviceName}
	}
	method := svc.method[methodName]
	if method == nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "unknown method " + req.ServiceMethod}
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}

	methodErr := svc.Call(method, argv, replyv)

	replyPayload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "marshal reply: " + err.Error()}
	}

	resp := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyPayload,
	}
	if methodErr != nil {
		resp.Error = methodErr.Error()
	}
	return resp
}
