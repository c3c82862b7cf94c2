package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"muxrpc/message"
)

// ErrRateLimited is the response error for calls rejected by RateLimitMiddleware.
const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware admits r calls per second with the given burst, using
// a token bucket shared by every connection of the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
