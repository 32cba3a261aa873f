package middleware

import (
	"context"

	"canary-rpc/message"

	"golang.org/x/time/rate"
)

const RateLimitError = "rate limit exceeded"

// RateLimitMiddleware rejects calls beyond r per second, allowing bursts of burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: RateLimitError}
			}
			return next(ctx, req)
		}
	}
}
