// Package sniffer implements a net wrapper that records A/AAAA answers
// observed in UDP:53 responses into a bounded IP->domain reverse map, and
// rewrites later TCP connects whose destination IP was previously recorded
// back to domain form, annotating the flow context for downstream
// components (notably the rule engine's domain matcher).
package sniffer

import (
	"context"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
	sieve "github.com/opencoff/go-sieve"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
)

const DefaultCacheSize = 4096

// Net wraps a child net, adding DNS sniffing to its UDP sockets and
// destination rewriting to its TCP connects. It never synthesizes DNS
// traffic of its own.
type Net struct {
	child   iface.Net
	reverse *sieve.Sieve[netip.Addr, string]
}

func New(child iface.Net, cacheSize int) *Net {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Net{
		child:   child,
		reverse: sieve.New[netip.Addr, string](cacheSize),
	}
}

func (n *Net) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	if ip, ok := addr.IP(); ok {
		if domain, ok := n.reverse.Get(ip); ok {
			rewritten := address.FromDomain(domain, addr.Port())
			fctx.SetDestDomain(flow.DestDomain{Domain: domain, Port: addr.Port()})
			return n.child.TcpConnect(ctx, fctx, rewritten)
		}
	}
	return n.child.TcpConnect(ctx, fctx, addr)
}

func (n *Net) TcpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpListener, error) {
	return n.child.TcpBind(ctx, fctx, addr)
}

func (n *Net) UdpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.UdpSocket, error) {
	sock, err := n.child.UdpBind(ctx, fctx, addr)
	if err != nil {
		return nil, err
	}
	return &sniffSocket{UdpSocket: sock, reverse: n.reverse}, nil
}

func (n *Net) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return n.child.LookupHost(ctx, host)
}

type sniffSocket struct {
	iface.UdpSocket
	reverse *sieve.Sieve[netip.Addr, string]
}

func (s *sniffSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := s.UdpSocket.RecvFrom(buf)
	if err != nil {
		return n, from, err
	}
	if from.Port() == 53 {
		recordAnswers(s.reverse, buf[:n])
	}
	return n, from, nil
}

// recordAnswers parses payload as a DNS response and records each A/AAAA
// answer as ip -> qname. DNS parsing is tolerant: malformed responses are
// silently ignored, never erroring the receive.
func recordAnswers(reverse *sieve.Sieve[netip.Addr, string], payload []byte) {
	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil {
		return
	}
	for _, rr := range msg.Answer {
		switch r := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(r.A.To4()); ok {
				reverse.Add(ip, strings.TrimSuffix(r.Hdr.Name, "."))
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(r.AAAA.To16()); ok {
				reverse.Add(ip.Unmap(), strings.TrimSuffix(r.Hdr.Name, "."))
			}
		}
	}
}
