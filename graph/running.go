// Package graph implements RunningNet (the mutable net cell every graph
// reference is held through, enabling atomic hot-swap), RunningServerNet
// (egress wrapping that emits connection-manager events), and BuildNets
// (dependency extraction, topological sort, and ordered instantiation).
package graph

import (
	"context"
	"net/netip"
	"sync/atomic"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
)

type netHolder struct{ net iface.Net }

// RunningNet wraps a mutable net slot (name, current). All references
// stored in the graph go through this indirection so hot-swap replaces
// "current" atomically without invalidating holders already in flight. It
// forwards every operation to the loaded net and appends its name to the
// flow chain first — the single point at which every net's name is traced,
// so individual net-type implementations never push their own name.
type RunningNet struct {
	name string
	cell atomic.Pointer[netHolder]
}

func NewRunningNet(name string, n iface.Net) *RunningNet {
	rn := &RunningNet{name: name}
	rn.cell.Store(&netHolder{net: n})
	return rn
}

func (rn *RunningNet) Name() string { return rn.name }

func (rn *RunningNet) Load() iface.Net {
	return rn.cell.Load().net
}

// Swap atomically replaces the running net's current implementation.
// Callers already in flight keep their previously loaded net until their
// current operation completes; new calls see the new net.
func (rn *RunningNet) Swap(n iface.Net) {
	rn.cell.Store(&netHolder{net: n})
}

func (rn *RunningNet) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	fctx.PushChain(rn.name)
	return rn.Load().TcpConnect(ctx, fctx, addr)
}

func (rn *RunningNet) TcpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpListener, error) {
	fctx.PushChain(rn.name)
	return rn.Load().TcpBind(ctx, fctx, addr)
}

func (rn *RunningNet) UdpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.UdpSocket, error) {
	fctx.PushChain(rn.name)
	return rn.Load().UdpBind(ctx, fctx, addr)
}

func (rn *RunningNet) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return rn.Load().LookupHost(ctx, host)
}

var _ iface.Net = (*RunningNet)(nil)
