package middleware

import (
	"context"
	"errors"
	"time"

	"canary-rpc/message"
)

const TimeoutError = "request timed out"

// ErrTimeout is the local error of a response cut short by TimeOutMiddleware.
var ErrTimeout = errors.New(TimeoutError)

// TimeOutMiddleware fails calls that outlive timeout with TimeoutError. A call
// whose caller gave up first fails with the caller's context error instead.
// A non-positive timeout disables the limit.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(parent context.Context, req *message.RPCMessage) *message.RPCMessage {
			if timeout <= 0 {
				return next(parent, req)
			}
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() { done <- next(ctx, req) }()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if err := parent.Err(); err != nil {
					return message.LocalError(req.ServiceMethod, err)
				}
				return message.LocalError(req.ServiceMethod, ErrTimeout)
			}
		}
	}
}
