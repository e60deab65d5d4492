package builtin

import (
	"context"
	"net/netip"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/registry"
)

// CombineOptions splits TCP and UDP traffic across two independently
// configured nets, e.g. a direct local net for UDP and a tunnel for TCP.
type CombineOptions struct {
	Tcp config.NetRef `mapstructure:"tcp"`
	Udp config.NetRef `mapstructure:"udp"`
}

// CombineNet routes tcp_connect/tcp_bind through Tcp and udp_bind through
// Udp; lookup_host always goes through Tcp, matching how most callers only
// ever resolve names ahead of a TCP connect.
type CombineNet struct {
	tcp iface.Net
	udp iface.Net
}

func (c *CombineNet) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	return c.tcp.TcpConnect(ctx, fctx, addr)
}

func (c *CombineNet) TcpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpListener, error) {
	return c.tcp.TcpBind(ctx, fctx, addr)
}

func (c *CombineNet) UdpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.UdpSocket, error) {
	return c.udp.UdpBind(ctx, fctx, addr)
}

func (c *CombineNet) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return c.tcp.LookupHost(ctx, host)
}

var _ iface.Net = (*CombineNet)(nil)

func registerCombine(reg *registry.Registry) {
	reg.RegisterNet("combine", registry.NetFactory{
		Build: func(resolve registry.Resolver, opt map[string]any) (iface.Net, error) {
			var o CombineOptions
			if err := config.Decode(opt, &o); err != nil {
				return nil, err
			}
			if err := config.ResolveNet(&o, resolverMap(resolve)); err != nil {
				return nil, err
			}
			return &CombineNet{tcp: o.Tcp.Net(), udp: o.Udp.Net()}, nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			var o CombineOptions
			if err := config.Decode(opt, &o); err != nil {
				return nil, err
			}
			return config.GetDependency(&o), nil
		},
	})
}
