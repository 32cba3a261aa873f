// Package server implements the RPC server: service registration, a
// middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest
//	    → Codec.Decode → incoming headers into ctx → Middleware Chain
//	    → businessHandler (reflect.Call) → Codec.Encode → write response
//
// On Listen the server publishes every registered service to its registry,
// tagged with the instance metadata it was configured with ("version", "weight").
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"canary-rpc/codec"
	"canary-rpc/message"
	"canary-rpc/metadata"
	"canary-rpc/middleware"
	"canary-rpc/protocol"
	"canary-rpc/registry"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

const registerTimeout = 10 * time.Second

var ErrNotListening = errors.New("server is not listening")

type Option func(*Server)

func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry publishes the server's services to reg on Listen.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithAdvertiseAddr sets the address other processes dial. It defaults to the
// listener address, with an unspecified host replaced by 127.0.0.1.
func WithAdvertiseAddr(addr string) Option {
	return func(s *Server) { s.advertiseAddr = addr }
}

// WithMetadata tags the registered instances, e.g. {"version": "v2"}.
func WithMetadata(md map[string]string) Option {
	return func(s *Server) {
		for k, v := range md {
			s.instanceMeta[k] = v
		}
	}
}

type Server struct {
	serviceMap    map[string]*service
	listener      net.Listener
	wg            sync.WaitGroup // in-flight requests
	shutdown      atomic.Bool
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc
	registry      registry.Registry
	advertiseAddr string
	instanceMeta  map[string]string
	instances     map[string]registry.ServiceInstance // service name → published instance
	logger        log.Logger

	connMu sync.Mutex // guards conns and orders wg.Add against shutdown
	conns  map[net.Conn]struct{}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap:   make(map[string]*service),
		instanceMeta: make(map[string]string),
		instances:    make(map[string]registry.ServiceInstance),
		conns:        make(map[net.Conn]struct{}),
		logger:       log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the suitable methods of rcvr under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName exposes the suitable methods of rcvr under name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use appends a middleware. Middlewares run in the order they were added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the address and publishes every service to the registry.
func (svr *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if svr.advertiseAddr == "" {
		svr.advertiseAddr = advertisable(listener.Addr())
	}
	if err := svr.publish(); err != nil {
		listener.Close()
		return err
	}
	level.Info(svr.logger).Log("msg", "listening", "addr", listener.Addr(), "advertise", svr.advertiseAddr, "version", svr.instanceMeta[metadata.VersionKey])
	return nil
}

func advertisable(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return addr.String()
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(tcp.Port))
}

func (svr *Server) publish() error {
	if svr.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	for name := range svr.serviceMap {
		inst := registry.ServiceInstance{
			ID:       uuid.NewString(),
			Addr:     svr.advertiseAddr,
			Metadata: svr.InstanceMetadata(),
		}
		if err := svr.registry.Register(ctx, name, inst); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		svr.instances[name] = inst
	}
	return nil
}

// InstanceMetadata returns a copy of the metadata the server registers with.
func (svr *Server) InstanceMetadata() map[string]string {
	md := make(map[string]string, len(svr.instanceMeta))
	for k, v := range svr.instanceMeta {
		md[k] = v
	}
	return md
}

// Addr is the bound address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// AdvertiseAddr is the address published to the registry.
func (svr *Server) AdvertiseAddr() string {
	return svr.advertiseAddr
}

// Serve accepts connections until Shutdown. It returns nil after Shutdown.
func (svr *Server) Serve() error {
	if svr.listener == nil {
		return ErrNotListening
	}
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) ListenAndServe(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

// handleConn reads frames sequentially and handles each request on its own
// goroutine. Responses share writeMu so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	svr.connMu.Lock()
	svr.conns[conn] = struct{}{}
	svr.connMu.Unlock()
	defer func() {
		svr.connMu.Lock()
		delete(svr.conns, conn)
		svr.connMu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if !svr.track() {
			continue // shutting down: drop, keep the conn for in-flight replies
		}
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// track counts a request as in flight unless shutdown has begun. connMu
// orders it against Shutdown so no Add races the final Wait.
func (svr *Server) track() bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.RPCMessage{}

	var resp *message.RPCMessage
	if err := c.Decode(body, req); err != nil {
		resp = &message.RPCMessage{Error: "decode request: " + err.Error()}
	} else {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.New(req.Header))
		resp = svr.handler(ctx, req)
	}
	if resp == nil {
		resp = &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "rpc: empty response"}
	}

	result, err := c.Encode(resp)
	if err != nil {
		level.Error(svr.logger).Log("msg", "encode response", "method", req.ServiceMethod, "err", err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		level.Warn(svr.logger).Log("msg", "write response", "method", req.ServiceMethod, "err", err)
	}
}

// Shutdown stops the server gracefully:
//  1. deregister, so clients stop routing here
//  2. stop accepting connections
//  3. wait for in-flight requests, bounded by ctx
//  4. close remaining connections
func (svr *Server) Shutdown(ctx context.Context) error {
	if svr.listener == nil {
		return ErrNotListening
	}
	svr.connMu.Lock()
	already := svr.shutdown.Swap(true)
	svr.connMu.Unlock()
	if already {
		return nil
	}

	var errs []error
	for name, inst := range svr.instances {
		if err := svr.registry.Deregister(ctx, name, inst); err != nil {
			errs = append(errs, fmt.Errorf("deregister %s: %w", name, err))
		}
	}
	svr.listener.Close()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight requests: %w", ctx.Err()))
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()

	level.Info(svr.logger).Log("msg", "shut down", "addr", svr.advertiseAddr)
	return errors.Join(errs...)
}

// businessHandler dispatches "Service.Method" to the registered receiver.
// Args and reply travel as JSON inside the payload whatever the frame codec.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || serviceName == "" || methodName == "" {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "rpc: invalid service method format"}
	}

	svc := svr.serviceMap[serviceName]
	if svc == nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "rpc: can't find service " + serviceName}
	}
	method := svc.method[methodName]
	if method == nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "rpc: can't find method " + req.ServiceMethod}
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "rpc: decode args: " + err.Error()}
		}
	}

	if err := svc.call(ctx, method, argv, replyv); err != nil {
		return message.ErrorMessage(req.ServiceMethod, err)
	}
	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		resp.Error = "rpc: encode reply: " + err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}
