package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"canary-rpc/codec"
)

// DialFunc opens the connection a pooled transport runs on.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Pool keeps up to size multiplexed transports per address and hands them
// out round-robin. Transports are shared, not borrowed: callers do not return
// them. Broken transports are redialed on the next Get.
//
// Each address has its own lock, so a slow dial only holds up callers of the
// same address. Addresses whose transports have all broken are dropped when a
// new address is first used, or on Prune.
type Pool struct {
	size   int
	codec  codec.CodecType
	dial   DialFunc
	opts   []Option
	closed atomic.Bool

	mu    sync.Mutex // guards addrs
	addrs map[string]*addrPool
}

type addrPool struct {
	mu      sync.Mutex
	conns   []*ClientTransport
	next    int
	removed bool // dropped from Pool.addrs; callers must look up again
}

func NewPool(size int, codecType codec.CodecType, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	var d net.Dialer
	return &Pool{
		size:  size,
		codec: codecType,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
		opts:  opts,
		addrs: make(map[string]*addrPool),
	}
}

// SetDialer replaces the function used to open connections.
func (p *Pool) SetDialer(dial DialFunc) {
	p.dial = dial
}

func (p *Pool) entry(addr string) (*addrPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrClosed
	}
	ap, ok := p.addrs[addr]
	if !ok {
		p.pruneLocked()
		ap = &addrPool{}
		p.addrs[addr] = ap
	}
	return ap, nil
}

// Get returns a live transport to addr, dialing one if the address has fewer
// than size transports or the chosen one is broken.
func (p *Pool) Get(ctx context.Context, addr string) (*ClientTransport, error) {
	for {
		ap, err := p.entry(addr)
		if err != nil {
			return nil, err
		}
		t, err := p.get(ctx, ap, addr)
		if t == nil && err == nil {
			continue // pruned while we waited for its lock
		}
		return t, err
	}
}

func (p *Pool) get(ctx context.Context, ap *addrPool, addr string) (*ClientTransport, error) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.removed {
		return nil, nil
	}

	if len(ap.conns) < p.size {
		t, err := p.newTransport(ctx, addr)
		if err != nil {
			return nil, err
		}
		ap.conns = append(ap.conns, t)
		return t, nil
	}

	i := ap.next % len(ap.conns)
	ap.next = i + 1
	if ap.conns[i].Broken() {
		t, err := p.newTransport(ctx, addr)
		if err != nil {
			return nil, err
		}
		ap.conns[i] = t
	}
	return ap.conns[i], nil
}

func (p *Pool) newTransport(ctx context.Context, addr string) (*ClientTransport, error) {
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if p.closed.Load() {
		conn.Close()
		return nil, ErrClosed
	}
	return NewClientTransport(conn, p.codec, p.opts...), nil
}

// Prune drops every address whose transports have all broken.
func (p *Pool) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
}

// pruneLocked skips addresses that are busy dialing.
func (p *Pool) pruneLocked() {
	for addr, ap := range p.addrs {
		if !ap.mu.TryLock() {
			continue
		}
		dead := true
		for _, t := range ap.conns {
			if !t.Broken() {
				dead = false
				break
			}
		}
		if dead {
			ap.removed = true
			delete(p.addrs, addr)
		}
		ap.mu.Unlock()
	}
}

// Len reports how many transports are open to addr.
func (p *Pool) Len(addr string) int {
	p.mu.Lock()
	ap, ok := p.addrs[addr]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.conns)
}

// Close closes every pooled transport. Dials in flight are discarded when
// they complete.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed.Store(true)
	addrs := p.addrs
	p.addrs = make(map[string]*addrPool)
	p.mu.Unlock()

	for _, ap := range addrs {
		ap.mu.Lock()
		ap.removed = true
		for _, t := range ap.conns {
			t.Close()
		}
		ap.conns = nil
		ap.mu.Unlock()
	}
	return nil
}
