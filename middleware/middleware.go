// Package middleware wraps the server's business handler. Middlewares run
// after a request has been framed and deserialized, so they never see the
// wire format, only the decoded envelope.
package middleware

import (
	"context"

	"muxrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
