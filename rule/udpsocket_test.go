package rule_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/rule"
)

// countingEgressSocket is a no-op iface.UdpSocket that records every
// SendTo call and never produces a reply (RecvFrom blocks until closed).
type countingEgressSocket struct {
	sends  int
	closed chan struct{}
}

func newCountingEgressSocket() *countingEgressSocket {
	return &countingEgressSocket{closed: make(chan struct{})}
}

func (s *countingEgressSocket) LocalAddr() net.Addr { return &net.UDPAddr{} }
func (s *countingEgressSocket) RecvFrom([]byte) (int, netip.AddrPort, error) {
	<-s.closed
	return 0, netip.AddrPort{}, context.Canceled
}
func (s *countingEgressSocket) SendTo(buf []byte, to address.Address) (int, error) {
	s.sends++
	return len(buf), nil
}
func (s *countingEgressSocket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// countingEgressNet hands out one shared socket and counts how many times
// UdpBind was called against it, so tests can assert NAT entry reuse.
type countingEgressNet struct {
	tag   string
	binds int
	sock  *countingEgressSocket
}

func newCountingEgressNet(tag string) *countingEgressNet {
	return &countingEgressNet{tag: tag, sock: newCountingEgressSocket()}
}

func (n *countingEgressNet) TcpConnect(context.Context, *flow.Context, address.Address) (iface.TcpStream, error) {
	return nil, nil
}
func (n *countingEgressNet) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, nil
}
func (n *countingEgressNet) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	n.binds++
	return n.sock, nil
}
func (n *countingEgressNet) LookupHost(context.Context, string) ([]netip.Addr, error) { return nil, nil }

// TestUDPRuleSocketReusesEgressByTargetName is the Supplemented Features
// behavior: distinct destinations that resolve to the *same* target reuse
// one egress socket (one UdpBind call); a destination resolving to a
// *different* target gets its own egress socket.
func TestUDPRuleSocketReusesEgressByTargetName(t *testing.T) {
	cidr, err := rule.NewCIDRMatcher([]string{"10.0.0.0/8", "192.168.0.0/16"}, false)
	require.NoError(t, err)

	netA := newCountingEgressNet("a")
	netB := newCountingEgressNet("b")
	entries := []rule.Entry{
		{Matcher: cidr, TargetName: "a", Target: netA},
		{Matcher: rule.AnyMatcher{}, TargetName: "b", Target: netB},
	}
	r := rule.NewRule("rule", entries, 0)

	fctx := flow.New()
	sock := rule.NewUDPRuleSocket(r, fctx, address.FromIP(netip.IPv4Unspecified(), 0))
	defer sock.Close()

	dst1 := address.FromIP(netip.MustParseAddr("10.1.2.3"), 53)
	dst2 := address.FromIP(netip.MustParseAddr("192.168.5.6"), 53)
	dst3 := address.FromIP(netip.MustParseAddr("8.8.8.8"), 53)

	_, err = sock.SendTo([]byte("p1"), dst1)
	require.NoError(t, err)
	_, err = sock.SendTo([]byte("p2"), dst2)
	require.NoError(t, err)
	_, err = sock.SendTo([]byte("p3"), dst3)
	require.NoError(t, err)

	require.Equal(t, 1, netA.binds, "dst1 and dst2 both route to target \"a\" and must share one egress socket")
	require.Equal(t, 1, netB.binds, "dst3 routes to a different target and must get its own egress socket")
	require.Equal(t, 2, netA.sock.sends)
	require.Equal(t, 1, netB.sock.sends)
}

func TestUDPRuleSocketFailsOnNoMatch(t *testing.T) {
	r := rule.NewRule("rule", nil, 0)
	fctx := flow.New()
	sock := rule.NewUDPRuleSocket(r, fctx, address.FromIP(netip.IPv4Unspecified(), 0))
	defer sock.Close()

	_, err := sock.SendTo([]byte("p"), address.FromIP(netip.MustParseAddr("1.2.3.4"), 53))
	require.Error(t, err)
}

func TestUDPRuleSocketRecvFromDeliversEgressReply(t *testing.T) {
	// A fake that actually answers is easier to model with a channel
	// backed socket than the no-op countingEgressSocket above.
	respSock := &replyingEgressSocket{recv: make(chan replyDatagram, 1), closed: make(chan struct{})}
	net1 := &staticEgressNet{sock: respSock}

	entries := []rule.Entry{{Matcher: rule.AnyMatcher{}, TargetName: "x", Target: net1}}
	r := rule.NewRule("rule", entries, 0)
	fctx := flow.New()
	sock := rule.NewUDPRuleSocket(r, fctx, address.FromIP(netip.IPv4Unspecified(), 0))
	defer sock.Close()

	dst := address.FromIP(netip.MustParseAddr("8.8.8.8"), 53)
	_, err := sock.SendTo([]byte("q"), dst)
	require.NoError(t, err)

	from := netip.MustParseAddrPort("8.8.8.8:53")
	respSock.recv <- replyDatagram{data: []byte("a"), from: from}

	buf := make([]byte, 64)
	done := make(chan struct{})
	var n int
	var gotFrom netip.AddrPort
	go func() {
		n, gotFrom, _ = sock.RecvFrom(buf)
		close(done)
	}()
	select {
	case <-done:
		require.Equal(t, "a", string(buf[:n]))
		require.Equal(t, from, gotFrom)
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFrom never delivered the egress reply")
	}
}

type replyDatagram struct {
	data []byte
	from netip.AddrPort
}

type replyingEgressSocket struct {
	recv   chan replyDatagram
	closed chan struct{}
}

func (s *replyingEgressSocket) LocalAddr() net.Addr { return &net.UDPAddr{} }
func (s *replyingEgressSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-s.recv:
		n := copy(buf, d.data)
		return n, d.from, nil
	case <-s.closed:
		return 0, netip.AddrPort{}, context.Canceled
	}
}
func (s *replyingEgressSocket) SendTo(buf []byte, to address.Address) (int, error) { return len(buf), nil }
func (s *replyingEgressSocket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

type staticEgressNet struct{ sock iface.UdpSocket }

func (n *staticEgressNet) TcpConnect(context.Context, *flow.Context, address.Address) (iface.TcpStream, error) {
	return nil, nil
}
func (n *staticEgressNet) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, nil
}
func (n *staticEgressNet) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return n.sock, nil
}
func (n *staticEgressNet) LookupHost(context.Context, string) ([]netip.Addr, error) { return nil, nil }
