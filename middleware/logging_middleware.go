package middleware

import (
	"context"
	"time"

	"canary-rpc/message"
	"canary-rpc/metadata"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LoggingMiddleware logs one line per call with its duration and outcome.
func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			keyvals := []interface{}{
				"method", req.ServiceMethod,
				"took", time.Since(start),
				"version", metadata.MD(req.Header).Get(metadata.VersionKey),
			}
			if resp.Failed() {
				level.Warn(logger).Log(append(keyvals, "msg", "call failed", "err", resp.Error)...)
			} else {
				level.Debug(logger).Log(append(keyvals, "msg", "call")...)
			}
			return resp
		}
	}
}
