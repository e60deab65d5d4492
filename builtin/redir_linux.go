//go:build linux

package builtin

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/pipe"
	"github.com/netgraphd/netgraphd/registry"
)

// RedirServer is a linux-only TCP transparent-redirect listener: traffic
// is steered to it by an iptables REDIRECT rule, and the kernel's original
// destination is recovered per accepted connection via SO_ORIGINAL_DST.
type RedirServer struct {
	listen iface.Net
	net    iface.Net
	bind   address.Address

	mu sync.Mutex
	ln iface.TcpListener
	wg sync.WaitGroup
}

func NewRedir(listen, egress iface.Net, bind address.Address) *RedirServer {
	return &RedirServer{listen: listen, net: egress, bind: bind}
}

func (s *RedirServer) Start(ctx context.Context) error {
	fctx := flow.New()
	ln, err := s.listen.TcpBind(ctx, fctx, s.bind)
	if err != nil {
		return fmt.Errorf("redir: bind %s: %w", s.bind, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *RedirServer) acceptLoop(ctx context.Context, ln iface.TcpListener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go s.handle(ctx, c)
	}
}

func (s *RedirServer) handle(ctx context.Context, c iface.TcpStream) {
	defer c.Close()
	dst, err := originalDestTCP(c)
	if err != nil {
		rlog.D("redir: original dst: %v", err)
		return
	}
	fctx := flow.New()
	egress, err := s.net.TcpConnect(ctx, fctx, dst)
	if err != nil {
		rlog.D("redir: connect %s: %v", dst, err)
		return
	}
	defer egress.Close()
	if err := pipe.ConnectTCP(ctx, c, egress); err != nil {
		rlog.D("redir: %s: %v", dst, err)
	}
}

func (s *RedirServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *RedirServer) Join() { s.wg.Wait() }

var _ iface.Server = (*RedirServer)(nil)

// originalDestTCP reads the pre-NAT destination off an accepted connection
// redirected here by an iptables REDIRECT/TPROXY rule.
func originalDestTCP(c iface.TcpStream) (address.Address, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return address.Address{}, fmt.Errorf("redir: unexpected conn type %T", c)
	}
	if tc.LocalAddr().(*net.TCPAddr).IP.To4() == nil {
		return address.Address{}, fmt.Errorf("redir: SO_ORIGINAL_DST recovery only supports IPv4 listeners")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return address.Address{}, err
	}

	// SO_ORIGINAL_DST hands back a sockaddr_in (family, be16 port, 4-byte
	// addr, 8 bytes of padding): IPv6Mreq's Multiaddr[16] is the same size
	// and GetsockoptIPv6Mreq is the only x/sys/unix helper shaped to read it.
	var dst address.Address
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sa, e := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
		if e != nil {
			sockErr = e
			return
		}
		b := sa.Multiaddr
		port := uint16(b[2])<<8 | uint16(b[3])
		ip := netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
		dst = address.FromIP(ip, port)
	})
	if ctlErr != nil {
		return address.Address{}, ctlErr
	}
	if sockErr != nil {
		return address.Address{}, fmt.Errorf("redir: getsockopt original dst: %w", sockErr)
	}
	return dst, nil
}

func registerRedir(reg *registry.Registry) {
	reg.RegisterServer("redir", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, egress iface.Net, opt map[string]any) (iface.Server, error) {
			bind, err := bindAddr(opt)
			if err != nil {
				return nil, err
			}
			return NewRedir(listen, egress, bind), nil
		},
	})
}
