// Package transport multiplexes concurrent RPC calls over one connection.
//
// Each request gets a sequence number; a single reader goroutine matches
// responses back to their callers through per-request channels:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"canary-rpc/codec"
	"canary-rpc/message"
	"canary-rpc/protocol"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrClosed = errors.New("transport closed")

const defaultHeartbeat = 30 * time.Second

type Option func(*ClientTransport)

// WithHeartbeat sets the heartbeat period; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

func WithLogger(logger log.Logger) Option {
	return func(t *ClientTransport) { t.logger = logger }
}

type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	heartbeat time.Duration
	logger    log.Logger

	seq     uint32
	pending sync.Map   // uint32 → chan *message.RPCMessage
	sending sync.Mutex // one frame at a time on conn
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once
	err     error // first shutdown cause, set inside once
}

// NewClientTransport takes ownership of conn and starts the reader and
// heartbeat goroutines.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     codecType,
		heartbeat: defaultHeartbeat,
		logger:    log.NewNopLogger(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop()
	}
	return t
}

// Send writes req and returns the channel its response will arrive on.
func (t *ClientTransport) Send(req *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	if t.closed.Load() {
		return 0, nil, ErrClosed
	}
	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// register before writing so recvLoop cannot see the response first
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)
	if t.closed.Load() {
		t.pending.Delete(seq)
		return 0, nil, ErrClosed
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Call sends req and waits for its response or for ctx to end.
func (t *ClientTransport) Call(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(req)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = message.LocalError("", fmt.Errorf("decode response: %w", err))
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
	}
}

// shutdown fails every pending call with the first cause it was given and
// stops the heartbeat.
func (t *ClientTransport) shutdown(err error) {
	t.once.Do(func() {
		t.err = err
		t.closed.Store(true)
		close(t.done)
		t.conn.Close()
		if !errors.Is(err, ErrClosed) {
			level.Debug(t.logger).Log("msg", "transport closed", "remote", t.conn.RemoteAddr(), "err", err)
		}
	})
	t.pending.Range(func(key, value any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan *message.RPCMessage) <- message.LocalError("", t.err)
		}
		return true
	})
}

// Close fails pending calls with ErrClosed.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}

// Broken reports whether the connection is no longer usable.
func (t *ClientTransport) Broken() bool {
	return t.closed.Load()
}

func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop keeps idle connections from being reaped by peers.
func (t *ClientTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sending.Lock()
			err := protocol.Encode(t.conn, &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}, nil)
			t.sending.Unlock()
			if err != nil {
				t.shutdown(err)
				return
			}
		}
	}
}
