package rule

import (
	"net"
	"net/netip"

	"github.com/k-sone/critbitgo"
)

// CIDRMatcher implements both IpCidr and SrcIpCidr: it stores a set of
// CIDRs in a critbit-indexed IP tree for longest-prefix containment
// lookups, and matches against either the destination IP or the flow's
// source IP depending on useSource.
type CIDRMatcher struct {
	tree      *critbitgo.Net
	useSource bool
}

func NewCIDRMatcher(cidrs []string, useSource bool) (*CIDRMatcher, error) {
	tree := critbitgo.NewNet()
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		if err := tree.Add(n, true); err != nil {
			return nil, err
		}
	}
	return &CIDRMatcher{tree: tree, useSource: useSource}, nil
}

func (m *CIDRMatcher) Match(mc MatchContext) bool {
	var ip netip.Addr
	if m.useSource {
		if !mc.HasSourceIP {
			return false
		}
		ip = mc.SourceIP
	} else {
		got, ok := mc.destIP()
		if !ok {
			// Domain destination with no resolved/sniffed IP never
			// triggers resolution here.
			return false
		}
		ip = got
	}
	route, _, err := m.tree.ContainedIP(net.IP(ip.AsSlice()))
	return err == nil && route != nil
}
