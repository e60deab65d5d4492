// Package flow implements the per-flow Context: a bag carrying the source
// address, a mutable net-chain trace, and a typed extension map used for
// cross-cutting hints such as a sniffed destination domain.
package flow

import (
	"net/netip"
	"sync"
)

// DestDomain is written by the DNS sniffer net when it rewrites a TCP
// connect's destination from an IP it has previously observed in a DNS
// response back to the domain that produced it.
type DestDomain struct {
	Domain string
	Port   uint16
}

// Context is owned by exactly one goroutine (the task handling a single
// flow) at a time. Clone produces an independent bag for a child flow; it is
// the only sanctioned way to share a context's data across a goroutine
// boundary.
type Context struct {
	mu       sync.Mutex
	source   netip.AddrPort
	hasSrc   bool
	netChain []string
	destDom  *DestDomain
}

func New() *Context {
	return &Context{}
}

func NewWithSource(src netip.AddrPort) *Context {
	return &Context{source: src, hasSrc: true}
}

// Source returns the flow's originating address, if known.
func (c *Context) Source() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, c.hasSrc
}

// PushChain appends name to the net-chain trace. Every net must call this
// with its own name before delegating to a downstream net.
func (c *Context) PushChain(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netChain = append(c.netChain, name)
}

// Chain returns a snapshot copy of the net-chain trace so far.
func (c *Context) Chain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.netChain))
	copy(out, c.netChain)
	return out
}

// SetDestDomain annotates the context with a sniffed destination domain.
func (c *Context) SetDestDomain(d DestDomain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destDom = &d
}

// DestDomain returns the sniffed destination domain, if any was recorded.
func (c *Context) DestDomain() (DestDomain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destDom == nil {
		return DestDomain{}, false
	}
	return *c.destDom, true
}

// Clone produces an independent bag carrying the same source and chain
// snapshot, for a child flow (e.g. a UDP NAT entry spawned out of a shared
// listener context).
func (c *Context) Clone() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	nc := &Context{source: c.source, hasSrc: c.hasSrc}
	nc.netChain = append(nc.netChain, c.netChain...)
	if c.destDom != nil {
		d := *c.destDom
		nc.destDom = &d
	}
	return nc
}
