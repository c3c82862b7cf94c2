package middleware

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"muxrpc/message"
)

// LoggingMiddleware logs every call with its duration. Failed calls are
// logged at warn level.
func LoggingMiddleware(logger hclog.Logger) Middleware {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("rpc")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Failed() {
				logger.Warn("call failed", "method", req.ServiceMethod, "duration", duration, "error", resp.Error)
				return resp
			}
			logger.Debug("call", "method", req.ServiceMethod, "duration", duration)
			return resp
		}
	}
}
