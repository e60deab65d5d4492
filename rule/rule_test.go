package rule_test

import (
	"context"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/rule"
)

// tagNet is a minimal iface.Net double identified by a tag, so tests can
// assert which target a rule selected without dialing anything real.
type tagNet struct{ tag string }

func (n *tagNet) TcpConnect(context.Context, *flow.Context, address.Address) (iface.TcpStream, error) {
	return nil, nil
}
func (n *tagNet) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, nil
}
func (n *tagNet) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return nil, nil
}
func (n *tagNet) LookupHost(context.Context, string) ([]netip.Addr, error) { return nil, nil }

// TestRuleDomainMatchRouting verifies a domain rule routes matching traffic
// to its target and falls through to the default target otherwise.
func TestRuleDomainMatchRouting(t *testing.T) {
	domainMatcher, err := rule.NewDomainMatcher(rule.MethodMatch, []string{"+.google.com"})
	require.NoError(t, err)

	entries := []rule.Entry{
		{Matcher: domainMatcher, TargetName: "proxy", Target: &tagNet{tag: "proxy"}},
		{Matcher: rule.AnyMatcher{}, TargetName: "direct", Target: &tagNet{tag: "direct"}},
	}
	r := rule.NewRule("rule", entries, 0)

	e, err := r.GetRule(rule.MatchContext{Dest: address.FromDomain("maps.google.com", 443)})
	require.NoError(t, err)
	require.Equal(t, "proxy", e.TargetName)

	e, err = r.GetRule(rule.MatchContext{Dest: address.FromDomain("example.com", 443)})
	require.NoError(t, err)
	require.Equal(t, "direct", e.TargetName)
}

func TestRuleCIDRRouting(t *testing.T) {
	cidr, err := rule.NewCIDRMatcher([]string{"114.114.0.0/16"}, false)
	require.NoError(t, err)

	entries := []rule.Entry{
		{Matcher: cidr, TargetName: "cn_proxy", Target: &tagNet{tag: "cn_proxy"}},
		{Matcher: rule.AnyMatcher{}, TargetName: "direct", Target: &tagNet{tag: "direct"}},
	}
	r := rule.NewRule("rule", entries, 0)

	e, err := r.GetRule(rule.MatchContext{Dest: address.FromIP(netip.MustParseAddr("114.114.114.114"), 53)})
	require.NoError(t, err)
	require.Equal(t, "cn_proxy", e.TargetName)

	e, err = r.GetRule(rule.MatchContext{Dest: address.FromIP(netip.MustParseAddr("1.1.1.1"), 53)})
	require.NoError(t, err)
	require.Equal(t, "direct", e.TargetName)
}

func TestRuleSrcCIDRUsesFlowSource(t *testing.T) {
	cidr, err := rule.NewCIDRMatcher([]string{"10.0.0.0/8"}, true)
	require.NoError(t, err)
	entries := []rule.Entry{
		{Matcher: cidr, TargetName: "lan", Target: &tagNet{tag: "lan"}},
		{Matcher: rule.AnyMatcher{}, TargetName: "wan", Target: &tagNet{tag: "wan"}},
	}
	r := rule.NewRule("rule", entries, 0)

	e, err := r.GetRule(rule.MatchContext{
		Dest:        address.FromIP(netip.MustParseAddr("8.8.8.8"), 53),
		SourceIP:    netip.MustParseAddr("10.1.2.3"),
		HasSourceIP: true,
	})
	require.NoError(t, err)
	require.Equal(t, "lan", e.TargetName)

	e, err = r.GetRule(rule.MatchContext{
		Dest:        address.FromIP(netip.MustParseAddr("8.8.8.8"), 53),
		SourceIP:    netip.MustParseAddr("203.0.113.1"),
		HasSourceIP: true,
	})
	require.NoError(t, err)
	require.Equal(t, "wan", e.TargetName)
}

func TestRuleNoMatchFails(t *testing.T) {
	r := rule.NewRule("rule", nil, 0)
	_, err := r.GetRule(rule.MatchContext{Dest: address.FromDomain("example.com", 443)})
	require.Error(t, err)
}

// TestRuleCacheConsistency verifies that for any rule set and match key,
// the cached result equals the uncached first-matching selection,
// regardless of cache insertion order. Uses a tiny LRU capacity so
// repeated random keys force eviction and re-computation.
func TestRuleCacheConsistency(t *testing.T) {
	domainMatcher, err := rule.NewDomainMatcher(rule.MethodSuffix, []string{"+.a.com"})
	require.NoError(t, err)
	cidr, err := rule.NewCIDRMatcher([]string{"192.168.0.0/16"}, false)
	require.NoError(t, err)

	entries := []rule.Entry{
		{Matcher: domainMatcher, TargetName: "a", Target: &tagNet{tag: "a"}},
		{Matcher: cidr, TargetName: "b", Target: &tagNet{tag: "b"}},
		{Matcher: rule.AnyMatcher{}, TargetName: "c", Target: &tagNet{tag: "c"}},
	}
	r := rule.NewRule("rule", entries, 4)

	firstMatching := func(mc rule.MatchContext) string {
		for _, e := range entries {
			if e.Matcher.Match(mc) {
				return e.TargetName
			}
		}
		return ""
	}

	keys := []rule.MatchContext{
		{Dest: address.FromDomain("x.a.com", 443)},
		{Dest: address.FromIP(netip.MustParseAddr("192.168.1.1"), 80)},
		{Dest: address.FromDomain("example.com", 443)},
		{Dest: address.FromDomain("y.a.com", 443)},
		{Dest: address.FromIP(netip.MustParseAddr("10.0.0.1"), 80)},
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		mc := keys[rng.Intn(len(keys))]
		e, err := r.GetRule(mc)
		require.NoError(t, err)
		require.Equal(t, firstMatching(mc), e.TargetName)
	}
}

// TestRuleNetDelegatesToSelectedTarget verifies rule.Net.TcpConnect (the
// RuleNet) selects and delegates to the matched target.
func TestRuleNetDelegatesToSelectedTarget(t *testing.T) {
	domainMatcher, err := rule.NewDomainMatcher(rule.MethodMatch, []string{"+.example.com"})
	require.NoError(t, err)
	entries := []rule.Entry{
		{Matcher: domainMatcher, TargetName: "proxy", Target: &recordingNet{tag: "proxy"}},
		{Matcher: rule.AnyMatcher{}, TargetName: "direct", Target: &recordingNet{tag: "direct"}},
	}
	r := rule.NewRule("rule", entries, 0)
	n := rule.NewNet(r)

	fctx := flow.New()
	_, err = n.TcpConnect(context.Background(), fctx, address.FromDomain("www.example.com", 443))
	require.NoError(t, err)

	direct := entries[1].Target.(*recordingNet)
	proxy := entries[0].Target.(*recordingNet)
	require.Equal(t, 1, proxy.tcpConnects)
	require.Equal(t, 0, direct.tcpConnects)
}

type recordingNet struct {
	tag         string
	tcpConnects int
}

func (n *recordingNet) TcpConnect(context.Context, *flow.Context, address.Address) (iface.TcpStream, error) {
	n.tcpConnects++
	return nil, nil
}
func (n *recordingNet) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, nil
}
func (n *recordingNet) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return nil, nil
}
func (n *recordingNet) LookupHost(context.Context, string) ([]netip.Addr, error) { return nil, nil }
