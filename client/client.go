// Package client calls remote services through the version-aware pipeline:
//
//	Call → interceptors (header propagation first) → Discover → Balancer.Pick → transport
//
// The outbound headers of a call are the outgoing metadata of its context plus,
// when the call is made while handling a request, every header of that request.
// The balancer sees them as outgoing metadata, so a "version" header received
// upstream decides which instance serves the call.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"canary-rpc/codec"
	"canary-rpc/loadbalance"
	"canary-rpc/message"
	"canary-rpc/metadata"
	"canary-rpc/middleware"
	"canary-rpc/registry"
	"canary-rpc/transport"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// RemoteError is an error returned by the remote method.
type RemoteError struct {
	ServiceMethod string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.ServiceMethod, e.Message)
}

type Option func(*Client)

func WithCodec(ct codec.CodecType) Option {
	return func(c *Client) { c.codec = ct }
}

// WithPoolSize sets how many connections are kept per instance address.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics counts selections and client side calls.
func WithMetrics(m *middleware.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithMiddleware appends interceptors after header propagation.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

type Client struct {
	supplier registry.Supplier
	balancer loadbalance.Balancer
	codec    codec.CodecType
	poolSize int
	pool     *transport.Pool
	metrics  *middleware.Metrics
	logger   log.Logger

	mu          sync.RWMutex
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	services    map[string]*loadbalance.ServiceBalancer
}

// NewClient builds a client that looks services up in supplier and picks
// instances with balancer. A nil balancer means version routing.
func NewClient(supplier registry.Supplier, balancer loadbalance.Balancer, opts ...Option) *Client {
	if balancer == nil {
		balancer = &loadbalance.VersionBalancer{}
	}
	c := &Client{
		supplier: supplier,
		balancer: balancer,
		codec:    codec.CodecTypeBinary,
		poolSize: 4,
		logger:   log.NewNopLogger(),
		services: make(map[string]*loadbalance.ServiceBalancer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = transport.NewPool(c.poolSize, c.codec, transport.WithLogger(c.logger))
	c.middlewares = append([]middleware.Middleware{middleware.HeaderPropagation()}, c.middlewares...)
	if c.metrics != nil {
		c.middlewares = append(c.middlewares, middleware.MetricsMiddleware(c.metrics, "client"))
	}
	c.rebuild()
	return c
}

// Use appends an interceptor. Interceptors run in the order they were added,
// after header propagation.
func (c *Client) Use(mw middleware.Middleware) {
	c.mu.Lock()
	c.middlewares = append(c.middlewares, mw)
	c.mu.Unlock()
	c.rebuild()
}

func (c *Client) rebuild() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
}

func (c *Client) serviceBalancer(service string) *loadbalance.ServiceBalancer {
	c.mu.RLock()
	sb, ok := c.services[service]
	c.mu.RUnlock()
	if ok {
		return sb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sb, ok = c.services[service]; !ok {
		sb = loadbalance.NewServiceBalancer(service, c.supplier, c.balancer)
		c.services[service] = sb
	}
	return sb
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the
// result into reply. When no instance can serve the call the error wraps
// loadbalance.ErrNoInstanceAvailable and a client-side timeout wraps
// middleware.ErrTimeout. Only failures reported by the remote side are
// *RemoteError.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	if service, method, ok := strings.Cut(serviceMethod, "."); !ok || service == "" || method == "" {
		return fmt.Errorf("invalid service method %q", serviceMethod)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}

	out, _ := metadata.FromOutgoingContext(ctx)
	req := &message.RPCMessage{
		ServiceMethod: serviceMethod,
		Header:        out.Copy(),
		Payload:       payload,
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	resp := handler(ctx, req)
	if resp.Err != nil {
		return fmt.Errorf("%s: %w", serviceMethod, resp.Err)
	}
	if resp.Failed() {
		return &RemoteError{ServiceMethod: serviceMethod, Message: resp.Error}
	}
	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// invoke is the end of the chain: it selects an instance using the request's
// headers as outgoing metadata and sends the request there.
func (c *Client) invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	fail := func(err error) *message.RPCMessage {
		return message.LocalError(req.ServiceMethod, err)
	}

	service, _, _ := strings.Cut(req.ServiceMethod, ".")
	ctx = metadata.NewOutgoingContext(ctx, metadata.MD(req.Header))

	inst, err := c.serviceBalancer(service).Choose(ctx)
	switch {
	case errors.Is(err, loadbalance.ErrNoInstanceAvailable):
		c.metrics.ObserveSelection(service, "unavailable")
		level.Warn(c.logger).Log("msg", "no instance available", "service", service, "version", loadbalance.TargetVersion(ctx))
		return fail(err)
	case err != nil:
		c.metrics.ObserveSelection(service, "error")
		return fail(err)
	}
	c.metrics.ObserveSelection(service, "selected")
	level.Debug(c.logger).Log("msg", "selected", "service", service, "instance", inst.Key(), "addr", inst.Addr, "version", inst.Version())

	t, err := c.pool.Get(ctx, inst.Addr)
	if err != nil {
		return fail(fmt.Errorf("dial %s: %w", inst.Addr, err))
	}
	resp, err := t.Call(ctx, req)
	if err != nil {
		return fail(err)
	}
	return resp
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	return c.pool.Close()
}
