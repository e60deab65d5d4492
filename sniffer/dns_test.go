package sniffer_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/sniffer"
)

func buildDNSResponse(t *testing.T, qname string, ip net.IP) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	msg.Response = true
	rr, err := dns.NewRR(fmt.Sprintf("%s 300 IN A %s", dns.Fqdn(qname), ip.String()))
	require.NoError(t, err)
	msg.Answer = append(msg.Answer, rr)
	data, err := msg.Pack()
	require.NoError(t, err)
	return data
}

// stubUDPSocket yields one canned datagram from srcPort, then errors.
type stubUDPSocket struct {
	payload []byte
	srcPort uint16
	sent    bool
}

func (s *stubUDPSocket) LocalAddr() net.Addr { return &net.UDPAddr{} }

func (s *stubUDPSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	if s.sent {
		return 0, netip.AddrPort{}, fmt.Errorf("sniffer_test: no more datagrams")
	}
	s.sent = true
	n := copy(buf, s.payload)
	from := netip.AddrPortFrom(netip.MustParseAddr("8.8.8.8"), s.srcPort)
	return n, from, nil
}

func (s *stubUDPSocket) SendTo(buf []byte, to address.Address) (int, error) { return len(buf), nil }
func (s *stubUDPSocket) Close() error                                      { return nil }

// recordingChild records the dest/fctx of its last TcpConnect call and
// hands back a canned UDP socket for UdpBind.
type recordingChild struct {
	udpSocket    *stubUDPSocket
	lastDest     address.Address
	lastDomain   flow.DestDomain
	lastHadDom   bool
	tcpConnected int
}

func (c *recordingChild) TcpConnect(_ context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	c.tcpConnected++
	c.lastDest = addr
	c.lastDomain, c.lastHadDom = fctx.DestDomain()
	return nil, nil
}
func (c *recordingChild) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, nil
}
func (c *recordingChild) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return c.udpSocket, nil
}
func (c *recordingChild) LookupHost(context.Context, string) ([]netip.Addr, error) { return nil, nil }

// TestSnifferRewritesRecordedIP verifies that after a recorded DNS response
// ip -> name, a later TcpConnect(ctx, ip:port) arrives at the downstream
// net with addr = Domain(name, port) and ctx.DestDomain set.
func TestSnifferRewritesRecordedIP(t *testing.T) {
	payload := buildDNSResponse(t, "baidu.com", net.ParseIP("220.181.38.148"))
	child := &recordingChild{udpSocket: &stubUDPSocket{payload: payload, srcPort: 53}}
	n := sniffer.New(child, 0)

	fctx := flow.New()
	sock, err := n.UdpBind(context.Background(), fctx, address.FromIP(netip.IPv4Unspecified(), 0))
	require.NoError(t, err)

	buf := make([]byte, 2048)
	_, _, err = sock.RecvFrom(buf)
	require.NoError(t, err)

	connectCtx := flow.New()
	_, err = n.TcpConnect(context.Background(), connectCtx, address.FromIP(netip.MustParseAddr("220.181.38.148"), 80))
	require.NoError(t, err)

	require.Equal(t, 1, child.tcpConnected)
	domain, ok := child.lastDest.DomainName()
	require.True(t, ok)
	require.Equal(t, "baidu.com", domain)
	require.True(t, child.lastHadDom)
	require.Equal(t, "baidu.com", child.lastDomain.Domain)
	require.Equal(t, uint16(80), child.lastDomain.Port)
}

// TestSnifferIgnoresNonPort53Source verifies a UDP response from a
// non-DNS source port is never parsed as DNS.
func TestSnifferIgnoresNonPort53Source(t *testing.T) {
	payload := buildDNSResponse(t, "baidu.com", net.ParseIP("220.181.38.148"))
	child := &recordingChild{udpSocket: &stubUDPSocket{payload: payload, srcPort: 5353}}
	n := sniffer.New(child, 0)

	fctx := flow.New()
	sock, err := n.UdpBind(context.Background(), fctx, address.FromIP(netip.IPv4Unspecified(), 0))
	require.NoError(t, err)
	buf := make([]byte, 2048)
	_, _, err = sock.RecvFrom(buf)
	require.NoError(t, err)

	connectCtx := flow.New()
	_, err = n.TcpConnect(context.Background(), connectCtx, address.FromIP(netip.MustParseAddr("220.181.38.148"), 80))
	require.NoError(t, err)

	_, ok := child.lastDest.DomainName()
	require.False(t, ok, "destination must not be rewritten: response arrived from a non-53 source port")
}

// TestSnifferTolerantOfMalformedPayload verifies a non-DNS UDP payload on
// port 53 never errors the receive: DNS parsing is tolerant of garbage.
func TestSnifferTolerantOfMalformedPayload(t *testing.T) {
	child := &recordingChild{udpSocket: &stubUDPSocket{payload: []byte("not dns"), srcPort: 53}}
	n := sniffer.New(child, 0)

	fctx := flow.New()
	sock, err := n.UdpBind(context.Background(), fctx, address.FromIP(netip.IPv4Unspecified(), 0))
	require.NoError(t, err)
	buf := make([]byte, 2048)
	_, _, err = sock.RecvFrom(buf)
	require.NoError(t, err)
}
