package builtin

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/registry"
)

// LocalOptions configures the "local" net: direct OS-socket dialing, binding
// and listening, optionally steered to a specific interface or firewall mark
// (Supplemented Features: local net socket options, grounded on
// intra/protect/protect.go's RawConn-based socket binding).
type LocalOptions struct {
	BindDevice     string `mapstructure:"bind_device"`
	Mark           int    `mapstructure:"mark"`
	ConnectTimeout int    `mapstructure:"connect_timeout"`
}

// LocalNet is the leaf net every chain eventually bottoms out on: it talks
// directly to the OS network stack.
type LocalNet struct {
	dialer *net.Dialer
	lc     *net.ListenConfig
}

func NewLocal(opt LocalOptions) *LocalNet {
	ctl := localControl(opt)
	timeout := time.Duration(opt.ConnectTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocalNet{
		dialer: &net.Dialer{Timeout: timeout, Control: ctl},
		lc:     &net.ListenConfig{Control: ctl},
	}
}

func localControl(opt LocalOptions) func(network, address string, c syscall.RawConn) error {
	if opt.BindDevice == "" && opt.Mark == 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var ctlErr error
		err := c.Control(func(fd uintptr) {
			if opt.BindDevice != "" {
				if e := unix.BindToDevice(int(fd), opt.BindDevice); e != nil {
					ctlErr = fmt.Errorf("local: bind_device %q: %w", opt.BindDevice, e)
					return
				}
			}
			if opt.Mark != 0 {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, opt.Mark); e != nil {
					ctlErr = fmt.Errorf("local: mark %d: %w", opt.Mark, e)
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return ctlErr
	}
}

func (n *LocalNet) TcpConnect(ctx context.Context, _ *flow.Context, addr address.Address) (iface.TcpStream, error) {
	conn, err := n.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("local: dial %s: %w", addr, err)
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("local: unexpected conn type %T", conn)
	}
	return tc, nil
}

func (n *LocalNet) TcpBind(ctx context.Context, _ *flow.Context, addr address.Address) (iface.TcpListener, error) {
	ln, err := n.lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("local: listen %s: %w", addr, err)
	}
	return &localListener{ln: ln}, nil
}

func (n *LocalNet) UdpBind(ctx context.Context, _ *flow.Context, addr address.Address) (iface.UdpSocket, error) {
	pc, err := n.lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("local: udp bind %s: %w", addr, err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("local: unexpected packet conn type %T", pc)
	}
	return &localUDPSocket{uc: uc}, nil
}

func (n *LocalNet) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

var _ iface.Net = (*LocalNet)(nil)

type localListener struct{ ln net.Listener }

func (l *localListener) Accept(ctx context.Context) (iface.TcpStream, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		l.ln.Close()
		<-ch
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		tc, ok := r.c.(*net.TCPConn)
		if !ok {
			r.c.Close()
			return nil, fmt.Errorf("local: unexpected conn type %T", r.c)
		}
		return tc, nil
	}
}

func (l *localListener) Addr() net.Addr { return l.ln.Addr() }
func (l *localListener) Close() error   { return l.ln.Close() }

type localUDPSocket struct{ uc *net.UDPConn }

func (s *localUDPSocket) LocalAddr() net.Addr { return s.uc.LocalAddr() }

func (s *localUDPSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	return s.uc.ReadFromUDPAddrPort(buf)
}

func (s *localUDPSocket) SendTo(buf []byte, to address.Address) (int, error) {
	ip, ok := to.IP()
	if !ok {
		domain, _ := to.DomainName()
		ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", domain)
		if err != nil || len(ips) == 0 {
			return 0, fmt.Errorf("local: resolve %s: %w", to, err)
		}
		ip = ips[0]
	}
	return s.uc.WriteToUDPAddrPort(buf, netip.AddrPortFrom(ip, to.Port()))
}

func (s *localUDPSocket) Close() error { return s.uc.Close() }

func registerLocal(reg *registry.Registry) {
	reg.RegisterNet("local", registry.NetFactory{
		Build: func(_ registry.Resolver, opt map[string]any) (iface.Net, error) {
			var o LocalOptions
			if err := config.Decode(opt, &o); err != nil {
				return nil, err
			}
			return NewLocal(o), nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			return nil, nil
		},
	})
}
