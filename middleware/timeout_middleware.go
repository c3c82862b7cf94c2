package middleware

import (
	"context"
	"time"

	"muxrpc/message"
)

// ErrTimeout is the response error for calls cut off by TimeoutMiddleware.
const ErrTimeout = "request timed out"

// TimeoutMiddleware answers with ErrTimeout if the handler has not returned
// within timeout. The handler keeps running with a cancelled context.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: ErrTimeout}
			}
		}
	}
}
