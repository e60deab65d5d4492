package builtin

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/internal/xcache"
	"github.com/netgraphd/netgraphd/pipe"
	"github.com/netgraphd/netgraphd/registry"
)

// ForwardOptions configures the "forward" server: a plain listener that
// relays every accepted TCP stream, and every UDP datagram, to a single
// fixed target address.
type ForwardOptions struct {
	Bind   string `mapstructure:"bind"`
	Target string `mapstructure:"target"`
}

const (
	forwardUDPNATCapacity = 256
	forwardUDPNATExpiry   = 30 * time.Second
)

// ForwardServer is a generic forwarding server: it wires a listener into
// the net graph, dispatching every accepted flow through the server's
// resolved "net" reference.
type ForwardServer struct {
	listen iface.Net
	net    iface.Net
	bind   address.Address
	target address.Address

	mu       sync.Mutex
	tcpLn    iface.TcpListener
	udpSock  iface.UdpSocket
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func NewForward(listen, net iface.Net, bind, target address.Address) *ForwardServer {
	return &ForwardServer{listen: listen, net: net, bind: bind, target: target, stopped: make(chan struct{})}
}

func (s *ForwardServer) Start(ctx context.Context) error {
	fctx := flow.New()
	ln, err := s.listen.TcpBind(ctx, fctx, s.bind)
	if err != nil {
		return fmt.Errorf("forward: tcp bind %s: %w", s.bind, err)
	}
	sock, err := s.listen.UdpBind(ctx, fctx, s.bind)
	if err != nil {
		ln.Close()
		return fmt.Errorf("forward: udp bind %s: %w", s.bind, err)
	}

	s.mu.Lock()
	s.tcpLn = ln
	s.udpSock = sock
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptLoop(ctx, ln)
	go s.udpLoop(ctx, sock)
	return nil
}

func (s *ForwardServer) acceptLoop(ctx context.Context, ln iface.TcpListener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-s.stopped:
			default:
				rlog.D("forward: accept: %v", err)
			}
			return
		}
		go s.handleTCP(ctx, c)
	}
}

func (s *ForwardServer) handleTCP(ctx context.Context, c iface.TcpStream) {
	defer c.Close()
	fctx := flow.New()
	egress, err := s.net.TcpConnect(ctx, fctx, s.target)
	if err != nil {
		rlog.D("forward: connect %s: %v", s.target, err)
		return
	}
	defer egress.Close()
	if err := pipe.ConnectTCP(ctx, c, egress); err != nil {
		rlog.D("forward: %s: %v", s.target, err)
	}
}

func (s *ForwardServer) udpLoop(ctx context.Context, sock iface.UdpSocket) {
	defer s.wg.Done()

	nat := xcache.NewExpiring[netip.AddrPort, iface.UdpSocket](forwardUDPNATCapacity, func(_ netip.AddrPort, egress iface.UdpSocket) {
		egress.Close()
	})

	buf := make([]byte, pipe.UDPBufferSize)
	for {
		n, from, err := sock.RecvFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		egress, ok := nat.Get(from)
		if !ok {
			fctx := flow.New()
			wild := s.target.ToAnyAddrPort()
			e, err := s.net.UdpBind(ctx, fctx, address.FromIP(wild.Addr(), wild.Port()))
			if err != nil {
				rlog.W("forward: udp bind egress for %v: %v", from, err)
				continue
			}
			egress = e
			nat.Set(from, egress, forwardUDPNATExpiry)
			go s.udpReplyLoop(sock, egress, from)
		} else {
			nat.Set(from, egress, forwardUDPNATExpiry)
		}

		if _, err := egress.SendTo(data, s.target); err != nil {
			rlog.D("forward: udp send to target: %v", err)
		}
	}
}

func (s *ForwardServer) udpReplyLoop(client iface.UdpSocket, egress iface.UdpSocket, clientSrc netip.AddrPort) {
	buf := make([]byte, pipe.UDPBufferSize)
	clientAddr := address.FromIP(clientSrc.Addr(), clientSrc.Port())
	for {
		n, _, err := egress.RecvFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if _, err := client.SendTo(data, clientAddr); err != nil {
			return
		}
	}
}

func (s *ForwardServer) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		if s.tcpLn != nil {
			s.tcpLn.Close()
		}
		if s.udpSock != nil {
			s.udpSock.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

func (s *ForwardServer) Join() {
	s.wg.Wait()
}

var _ iface.Server = (*ForwardServer)(nil)

func registerForward(reg *registry.Registry) {
	reg.RegisterServer("forward", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, net iface.Net, opt map[string]any) (iface.Server, error) {
			var o ForwardOptions
			if err := config.Decode(opt, &o); err != nil {
				return nil, err
			}
			bind, err := address.Parse(o.Bind)
			if err != nil {
				return nil, fmt.Errorf("forward: bind: %w", err)
			}
			target, err := address.Parse(o.Target)
			if err != nil {
				return nil, fmt.Errorf("forward: target: %w", err)
			}
			return NewForward(listen, net, bind, target), nil
		},
	})
}
