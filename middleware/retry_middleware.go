package middleware

import (
	"context"
	"strings"
	"time"

	"canary-rpc/message"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// retryable reports whether a failed call may succeed on another attempt.
// Unavailability is not retryable: nothing changes between attempts.
func retryable(errMsg string) bool {
	return strings.Contains(errMsg, "timed out") ||
		strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset")
}

// RetryMiddleware re-runs transient failures up to maxRetries times with
// exponential backoff starting at baseDelay. It gives up early when ctx ends.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && resp.Failed() && retryable(resp.Error); i++ {
				level.Info(logger).Log("msg", "retrying", "method", req.ServiceMethod, "attempt", i+1, "err", resp.Error)
				select {
				case <-ctx.Done():
					return resp
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
