package graph

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/conn"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
)

// RunningServerNet wraps a server's configured egress net reference. On
// each TcpConnect/UdpBind it wraps the returned stream/socket in a counting
// proxy that emits Inbound/Outbound/Closed events to the connection
// manager, with a fresh flow uuid created on every wrap.
type RunningServerNet struct {
	inner iface.Net
	mgr   *conn.Manager
}

func NewRunningServerNet(inner iface.Net, mgr *conn.Manager) *RunningServerNet {
	return &RunningServerNet{inner: inner, mgr: mgr}
}

func (s *RunningServerNet) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	stream, err := s.inner.TcpConnect(ctx, fctx, addr)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	cs := &countingStream{TcpStream: stream, mgr: s.mgr}
	cs.id = s.mgr.NewConnection(conn.KindTCP, addr, fctx.Chain(), cancel)
	go func() {
		<-cctx.Done()
		cs.Close()
	}()
	return cs, nil
}

func (s *RunningServerNet) TcpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpListener, error) {
	return s.inner.TcpBind(ctx, fctx, addr)
}

func (s *RunningServerNet) UdpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.UdpSocket, error) {
	sock, err := s.inner.UdpBind(ctx, fctx, addr)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	cs := &countingSocket{UdpSocket: sock, mgr: s.mgr}
	cs.id = s.mgr.NewConnection(conn.KindUDP, addr, fctx.Chain(), cancel)
	go func() {
		<-cctx.Done()
		cs.Close()
	}()
	return cs, nil
}

func (s *RunningServerNet) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return s.inner.LookupHost(ctx, host)
}

var _ iface.Net = (*RunningServerNet)(nil)

type countingStream struct {
	iface.TcpStream
	mgr       *conn.Manager
	id        uuid.UUID
	closeOnce sync.Once
}

func (c *countingStream) Read(p []byte) (int, error) {
	n, err := c.TcpStream.Read(p)
	if n > 0 {
		c.mgr.Inbound(c.id, n)
	}
	return n, err
}

func (c *countingStream) Write(p []byte) (int, error) {
	n, err := c.TcpStream.Write(p)
	if n > 0 {
		c.mgr.Outbound(c.id, n)
	}
	return n, err
}

func (c *countingStream) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.TcpStream.Close()
		c.mgr.Closed(c.id)
	})
	return err
}

type countingSocket struct {
	iface.UdpSocket
	mgr       *conn.Manager
	id        uuid.UUID
	closeOnce sync.Once
}

func (c *countingSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := c.UdpSocket.RecvFrom(buf)
	if n > 0 {
		c.mgr.Inbound(c.id, n)
	}
	return n, from, err
}

func (c *countingSocket) SendTo(buf []byte, to address.Address) (int, error) {
	n, err := c.UdpSocket.SendTo(buf, to)
	if n > 0 {
		c.mgr.Outbound(c.id, n)
	}
	return n, err
}

func (c *countingSocket) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.UdpSocket.Close()
		c.mgr.Closed(c.id)
	})
	return err
}
