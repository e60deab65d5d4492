//go:build linux

package builtin

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/pipe"
	"github.com/netgraphd/netgraphd/registry"
)

// TransparentServer is a linux-only TCP+UDP transparent proxy (IP_TRANSPARENT):
// unlike "redir" it needs no NAT rewrite on return traffic, so it also
// handles UDP, recovering the original per-datagram destination from the
// packet's IP_PKTINFO control message.
type TransparentServer struct {
	bind address.Address
	net  iface.Net

	mu      sync.Mutex
	tcpLn   net.Listener
	udpConn *net.UDPConn
	wg      sync.WaitGroup
}

func NewTransparent(egress iface.Net, bind address.Address) *TransparentServer {
	return &TransparentServer{net: egress, bind: bind}
}

func transparentControl(network, address string, c syscall.RawConn) error {
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); e != nil {
			ctlErr = fmt.Errorf("transparent: IP_TRANSPARENT: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			ctlErr = fmt.Errorf("transparent: SO_REUSEADDR: %w", e)
		}
	})
	if err != nil {
		return err
	}
	return ctlErr
}

func (s *TransparentServer) Start(ctx context.Context) error {
	lc := &net.ListenConfig{Control: transparentControl}
	ln, err := lc.Listen(ctx, "tcp", s.bind.String())
	if err != nil {
		return fmt.Errorf("transparent: tcp listen %s: %w", s.bind, err)
	}
	pc, err := lc.ListenPacket(ctx, "udp", s.bind.String())
	if err != nil {
		ln.Close()
		return fmt.Errorf("transparent: udp listen %s: %w", s.bind, err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		ln.Close()
		pc.Close()
		return fmt.Errorf("transparent: unexpected packet conn type %T", pc)
	}
	p4 := ipv4.NewPacketConn(uc)
	if err := p4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		ln.Close()
		uc.Close()
		return fmt.Errorf("transparent: set control message: %w", err)
	}

	s.mu.Lock()
	s.tcpLn = ln
	s.udpConn = uc
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptLoop(ctx, ln)
	go s.udpLoop(ctx, p4, uc)
	return nil
}

func (s *TransparentServer) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleTCP(ctx, c)
	}
}

func (s *TransparentServer) handleTCP(ctx context.Context, c net.Conn) {
	defer c.Close()
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	// Under IP_TRANSPARENT the accepted socket's local address IS the
	// original pre-redirect destination: no SO_ORIGINAL_DST lookup needed.
	local := tc.LocalAddr().(*net.TCPAddr)
	ip, _ := netip.AddrFromSlice(local.IP)
	dst := address.FromIP(ip.Unmap(), uint16(local.Port))

	fctx := flow.New()
	egress, err := s.net.TcpConnect(ctx, fctx, dst)
	if err != nil {
		rlog.D("transparent: connect %s: %v", dst, err)
		return
	}
	defer egress.Close()
	if err := pipe.ConnectTCP(ctx, tc, egress); err != nil {
		rlog.D("transparent: %s: %v", dst, err)
	}
}

func (s *TransparentServer) udpLoop(ctx context.Context, p4 *ipv4.PacketConn, uc *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, pipe.UDPBufferSize)
	for {
		n, cm, clientSrc, err := p4.ReadFrom(buf)
		if err != nil {
			return
		}
		if cm == nil || cm.Dst == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		srcAddrPort := clientSrc.(*net.UDPAddr).AddrPort()
		dstIP, _ := netip.AddrFromSlice(cm.Dst)
		dst := address.FromIP(dstIP.Unmap(), uint16(localDstPort(uc)))
		go s.handleUDP(ctx, uc, data, srcAddrPort, dst)
	}
}

// localDstPort reports the port the spoofed reply socket must bind: the
// transparent listener's own UDP port, since IP_TRANSPARENT lets us send
// from the original destination address without owning that IP.
func localDstPort(uc *net.UDPConn) int {
	return uc.LocalAddr().(*net.UDPAddr).Port
}

func (s *TransparentServer) handleUDP(ctx context.Context, uc *net.UDPConn, data []byte, clientSrc netip.AddrPort, dst address.Address) {
	fctx := flow.New()
	wild := dst.ToAnyAddrPort()
	sock, err := s.net.UdpBind(ctx, fctx, address.FromIP(wild.Addr(), wild.Port()))
	if err != nil {
		rlog.D("transparent: udp bind egress: %v", err)
		return
	}
	defer sock.Close()
	if _, err := sock.SendTo(data, dst); err != nil {
		rlog.D("transparent: udp send: %v", err)
		return
	}
	buf := make([]byte, pipe.UDPBufferSize)
	n, _, err := sock.RecvFrom(buf)
	if err != nil {
		return
	}
	// Spoof the reply's source as the original destination so the client's
	// kernel accepts it as coming from the host it thinks it's talking to;
	// this requires the listening socket to carry IP_TRANSPARENT, which the
	// shared uc already does.
	_, _ = uc.WriteToUDP(buf[:n], net.UDPAddrFromAddrPort(clientSrc))
}

func (s *TransparentServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	return nil
}

func (s *TransparentServer) Join() { s.wg.Wait() }

var _ iface.Server = (*TransparentServer)(nil)

func registerTransparent(reg *registry.Registry) {
	reg.RegisterServer("transparent", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, egress iface.Net, opt map[string]any) (iface.Server, error) {
			bind, err := bindAddr(opt)
			if err != nil {
				return nil, err
			}
			return NewTransparent(egress, bind), nil
		},
	})
}
