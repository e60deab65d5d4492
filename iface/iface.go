// Package iface defines the capability interfaces every net and server in
// this daemon is built against: Net (tcp_connect/tcp_bind/udp_bind/
// lookup_host), Server (start/stop), and the stream/socket contracts they
// exchange. Any operation may legally fail with rderr.ErrNotImplemented,
// letting a net advertise only a subset of its four capabilities.
package iface

import (
	"context"
	"net"
	"net/netip"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
)

// TcpStream is a byte-oriented, half-closable TCP connection.
type TcpStream interface {
	net.Conn
	// CloseWrite half-closes the write side (sends FIN), permitting the
	// peer to observe EOF while reads still succeed.
	CloseWrite() error
	// CloseRead half-closes the read side.
	CloseRead() error
}

// TcpListener accepts inbound TcpStreams.
type TcpListener interface {
	Accept(ctx context.Context) (TcpStream, error)
	Addr() net.Addr
	Close() error
}

// UdpSocket is the client-facing role used by egress nets: send/receive
// datagrams to/from arbitrary peers.
type UdpSocket interface {
	LocalAddr() net.Addr
	RecvFrom(buf []byte) (n int, from netip.AddrPort, err error)
	SendTo(buf []byte, to address.Address) (n int, err error)
	Close() error
}

// UdpChannel is the complementary, server-facing role used by listener-side
// UDP associations: it receives (data, destination) from the server and
// returns (data, source) to it.
type UdpChannel interface {
	// RecvSendTo reads the next datagram the server side wants
	// delivered, and the address it should be delivered to.
	RecvSendTo(ctx context.Context) (data []byte, to address.Address, err error)
	// SendRecvFrom delivers a datagram that arrived from src back to the
	// server side.
	SendRecvFrom(data []byte, src netip.AddrPort) error
	Close() error
}

// Net is the capability object every net type implements. Operations
// receive a mutable flow.Context; implementations never push their own
// name onto fctx's chain themselves — graph.RunningNet does that exactly
// once per configured net, regardless of how many Net implementations it
// wraps internally.
type Net interface {
	TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (TcpStream, error)
	TcpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (TcpListener, error)
	UdpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (UdpSocket, error)
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// Server is a listener that accepts flows and dispatches them through a
// net. Start must return promptly (spawning its own accept loop); Stop
// requests cooperative shutdown, and Join waits for the accept loop to
// return.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Join()
}
