package builtin

import (
	"context"
	"net/netip"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

// NoopNet implements no capability. It is useful as a placeholder target —
// a disabled rule entry, a config stub before the real net is wired in —
// and every operation fails with rderr.ErrNotImplemented.
type NoopNet struct{}

func (NoopNet) TcpConnect(context.Context, *flow.Context, address.Address) (iface.TcpStream, error) {
	return nil, rderr.ErrNotImplemented
}

func (NoopNet) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, rderr.ErrNotImplemented
}

func (NoopNet) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return nil, rderr.ErrNotImplemented
}

func (NoopNet) LookupHost(context.Context, string) ([]netip.Addr, error) {
	return nil, rderr.ErrNotImplemented
}

var _ iface.Net = NoopNet{}

func registerNoop(reg *registry.Registry) {
	reg.RegisterNet("noop", registry.NetFactory{
		Build: func(registry.Resolver, map[string]any) (iface.Net, error) {
			return NoopNet{}, nil
		},
		GetDependency: func(map[string]any) ([]string, error) { return nil, nil },
	})
}
