package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Dialer opens a connection to addr.
type Dialer func(addr string) (net.Conn, error)

// Pool keeps up to size multiplexed transports to one address. Transports
// are shared, not borrowed: Get hands them out round-robin, and any number of
// calls may be in flight on each. A transport that has failed is replaced on
// the next Get that lands on its slot.
type Pool struct {
	addr   string
	cfg    Config
	dial   Dialer
	mu     sync.Mutex
	slots  []*ClientTransport
	closed bool
	next   atomic.Uint64
}

// NewPool creates an empty pool. Connections are dialled lazily.
func NewPool(addr string, size int, cfg Config, dial Dialer) *Pool {
	if size <= 0 {
		size = 1
	}
	if dial == nil {
		dial = func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }
	}
	return &Pool{
		addr:  addr,
		cfg:   cfg,
		dial:  dial,
		slots: make([]*ClientTransport, size),
	}
}

// Get returns a live transport, dialling a new one if the chosen slot is
// empty or its transport has failed.
func (p *Pool) Get() (*ClientTransport, error) {
	idx := int(p.next.Add(1) % uint64(len(p.slots)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if t := p.slots[idx]; t != nil && t.Err() == nil {
		return t, nil
	}

	conn, err := p.dial(p.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	t := NewClientTransport(conn, p.cfg)
	p.slots[idx] = t
	return t, nil
}

// Len returns the number of live transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.slots {
		if t != nil && t.Err() == nil {
			n++
		}
	}
	return n
}

// Close shuts down every transport in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for i, t := range p.slots {
		if t != nil {
			t.Close()
			p.slots[i] = nil
		}
	}
	return nil
}
