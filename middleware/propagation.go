package middleware

import (
	"context"

	"canary-rpc/message"
	"canary-rpc/metadata"
)

// HeaderPropagation copies the headers of the request being handled onto the
// outbound call, names and values unchanged. Outside a handled request it
// leaves the call's headers as they are. Install it on the client ahead of
// anything that reads req.Header, since the balancer routes on the
// propagated "version".
func HeaderPropagation() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if in, ok := metadata.FromIncomingContext(ctx); ok {
				if req.Header == nil {
					req.Header = make(map[string]string, len(in))
				}
				metadata.Propagate(in, metadata.MD(req.Header))
			}
			return next(ctx, req)
		}
	}
}
