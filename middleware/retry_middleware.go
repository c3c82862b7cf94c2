package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"muxrpc/message"
)

// RetryMiddleware re-invokes the handler when it reports a transient error
// (a timeout or a refused downstream connection), backing off exponentially
// from baseDelay. Other errors are returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger hclog.Logger) Middleware {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && retryable(resp); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logger.Debug("retrying call", "method", req.ServiceMethod, "attempt", i+1, "delay", delay, "error", resp.Error)
				select {
				case <-ctx.Done():
					return resp
				case <-time.After(delay):
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(resp *message.RPCMessage) bool {
	if !resp.Failed() {
		return false
	}
	return strings.Contains(resp.Error, "timeout") || strings.Contains(resp.Error, "timed out") ||
		strings.Contains(resp.Error, "connection refused")
}
