// Package rule implements the compiled matchers (domain, CIDR, src-CIDR,
// GeoIP, any), the ordered Rule list with its LRU result cache, RuleNet
// (the TCP-facing rule net), and the UDP rule socket state machine.
package rule

import (
	"net/netip"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
)

// MatchContext is the reduced, cacheable view of a flow a Matcher decides
// against: destination, optional source IP, optional sniffed domain.
type MatchContext struct {
	Dest          address.Address
	SourceIP      netip.Addr
	HasSourceIP   bool
	SniffedDomain string
	HasSniffed    bool
}

// FromFlow builds a MatchContext from a live flow.Context and destination,
// consulting the context's sniffed-domain annotation (written by the DNS
// sniffer net) when present.
func FromFlow(fctx *flow.Context, dest address.Address) MatchContext {
	mc := MatchContext{Dest: dest}
	if src, ok := fctx.Source(); ok {
		mc.SourceIP = src.Addr()
		mc.HasSourceIP = true
	}
	if d, ok := fctx.DestDomain(); ok {
		mc.SniffedDomain = d.Domain
		mc.HasSniffed = true
	}
	return mc
}

// domain returns the domain name this context should be matched on: the
// sniffed domain if present, else the destination's own domain form (if
// it is a Domain address). Returns "", false if neither is available.
func (mc MatchContext) domain() (string, bool) {
	if mc.HasSniffed {
		return mc.SniffedDomain, true
	}
	if d, ok := mc.Dest.DomainName(); ok {
		return d, true
	}
	return "", false
}

// destIP returns the destination's concrete IP, if it has one (a Domain
// address with no sniffed reverse-lookup hit never resolves here: the CIDR
// matcher never triggers resolution itself).
func (mc MatchContext) destIP() (netip.Addr, bool) {
	return mc.Dest.IP()
}

// Matcher is a predicate over a MatchContext.
type Matcher interface {
	Match(mc MatchContext) bool
}

// AnyMatcher always matches; intended as the final default rule.
type AnyMatcher struct{}

func (AnyMatcher) Match(MatchContext) bool { return true }
