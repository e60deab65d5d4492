package builtin

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/proxy"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

// Socks5Options configures a SOCKS5 client net.
type Socks5Options struct {
	Server   config.NetRef `mapstructure:"server"`
	Addr     string        `mapstructure:"addr"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
}

// Socks5Net dials its Server net to reach the proxy, then performs the
// SOCKS5 handshake via golang.org/x/net/proxy, handing the caller the same
// tunnel connection once the upstream answers.
type Socks5Net struct {
	server iface.Net
	addr   string
	user   string
	pass   string
}

func NewSocks5(server iface.Net, addr, user, pass string) *Socks5Net {
	return &Socks5Net{server: server, addr: addr, user: user, pass: pass}
}

// upstreamDialer adapts a (ctx, flow.Context, Net) triple to proxy.Dialer so
// x/net/proxy's SOCKS5 client can reach the configured proxy through the
// rest of the net graph instead of a raw net.Dial.
type upstreamDialer struct {
	ctx  context.Context
	fctx *flow.Context
	net  iface.Net
}

func (d *upstreamDialer) Dial(network, addr string) (net.Conn, error) {
	a, err := address.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("socks5: parse %q: %w", addr, err)
	}
	stream, err := d.net.TcpConnect(d.ctx, d.fctx, a)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (h *Socks5Net) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	var auth *proxy.Auth
	if h.user != "" {
		auth = &proxy.Auth{User: h.user, Password: h.pass}
	}
	dialer, err := proxy.SOCKS5("tcp", h.addr, auth, &upstreamDialer{ctx: ctx, fctx: fctx, net: h.server})
	if err != nil {
		return nil, fmt.Errorf("socks5: build dialer: %w", err)
	}
	conn, err := dialer.Dial("tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("socks5: dial %s via %s: %w", addr, h.addr, err)
	}
	stream, ok := conn.(iface.TcpStream)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("socks5: unexpected conn type %T", conn)
	}
	return stream, nil
}

func (h *Socks5Net) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, rderr.ErrNotImplemented
}

func (h *Socks5Net) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return nil, rderr.ErrNotImplemented
}

func (h *Socks5Net) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return h.server.LookupHost(ctx, host)
}

var _ iface.Net = (*Socks5Net)(nil)

func registerSocks5(reg *registry.Registry) {
	reg.RegisterNet("socks5", registry.NetFactory{
		Build: func(resolve registry.Resolver, opt map[string]any) (iface.Net, error) {
			o, err := decodeSocks5Options(opt)
			if err != nil {
				return nil, err
			}
			if err := config.ResolveNet(o, resolverMap(resolve)); err != nil {
				return nil, err
			}
			return NewSocks5(o.Server.Net(), o.Addr, o.User, o.Password), nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			o, err := decodeSocks5Options(opt)
			if err != nil {
				return nil, err
			}
			return config.GetDependency(o), nil
		},
	})
}

func decodeSocks5Options(opt map[string]any) (*Socks5Options, error) {
	o := &Socks5Options{Server: config.NetRef{Name: "local"}}
	if err := config.Decode(opt, o); err != nil {
		return nil, err
	}
	return o, nil
}
