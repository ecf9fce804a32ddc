package store

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortPool hands out host ports from a fixed inclusive range. A port stays
// reserved until Release is called for it.
type PortPool struct {
	mu       sync.Mutex
	first    int
	last     int
	reserved map[int]struct{}
	isFree   func(port int) bool
}

// PortOption configures a PortPool.
type PortOption func(*PortPool)

// WithFreeCheck replaces the availability check run before a port is handed out.
// isFree reports whether port is free on the host.
func WithFreeCheck(isFree func(port int) bool) PortOption {
	return func(p *PortPool) {
		p.isFree = isFree
	}
}

// NewPortPool returns a pool over [first, last].
func NewPortPool(first, last int, opts ...PortOption) (*PortPool, error) {
	if first <= 0 || last > 65535 || first > last {
		return nil, fmt.Errorf("%w: port range %d-%d", ErrInvalidArgument, first, last)
	}
	p := &PortPool{
		first:    first,
		last:     last,
		reserved: make(map[int]struct{}),
		isFree:   portFree,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Allocate reserves and returns the lowest port that is neither reserved nor
// bound on the host.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.first; port <= p.last; port++ {
		if _, taken := p.reserved[port]; taken {
			continue
		}
		if p.isFree != nil && !p.isFree(port) {
			continue
		}
		p.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// Reserve marks port as in use without checking the host. It restores the ports of
// records loaded from a durable registry.
func (p *PortPool) Reserve(port int) error {
	if port < p.first || port > p.last {
		return fmt.Errorf("%w: port %d outside %d-%d", ErrInvalidArgument, port, p.first, p.last)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, taken := p.reserved[port]; taken {
		return fmt.Errorf("%w: port %d already reserved", ErrInvalidArgument, port)
	}
	p.reserved[port] = struct{}{}
	return nil
}

// Release returns port to the pool. Releasing an unreserved port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, port)
}

// Reserved returns the number of ports currently handed out.
func (p *PortPool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// portFree reports whether a TCP listener can bind port on all interfaces.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
