package rule

import (
	"context"
	"net/netip"

	sieve "github.com/opencoff/go-sieve"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
)

const DefaultCacheSize = 32

// MatchKey is the cacheable projection of a MatchContext: destination,
// source IP (if any), and sniffed domain (if any) — the sniffed domain is
// included because the same IP may be classified differently once its
// origin domain is known; omitting it would stop sniffer-driven reclassification
// from ever invalidating a stale cache entry.
type MatchKey struct {
	Dest          string
	SourceIP      netip.Addr
	HasSourceIP   bool
	SniffedDomain string
	HasSniffed    bool
}

func keyOf(mc MatchContext) MatchKey {
	return MatchKey{
		Dest:          mc.Dest.String(),
		SourceIP:      mc.SourceIP,
		HasSourceIP:   mc.HasSourceIP,
		SniffedDomain: mc.SniffedDomain,
		HasSniffed:    mc.HasSniffed,
	}
}

// Entry is one (matcher, target) pair in declaration order.
type Entry struct {
	Matcher    Matcher
	TargetName string
	Target     iface.Net
}

// Rule owns an ordered list of matcher/target pairs and an LRU result
// cache implementing first-match-wins target selection.
type Rule struct {
	name    string
	entries []Entry
	cache   *sieve.Sieve[MatchKey, *Entry]
}

func NewRule(name string, entries []Entry, cacheSize int) *Rule {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Rule{
		name:    name,
		entries: entries,
		cache:   sieve.New[MatchKey, *Entry](cacheSize),
	}
}

// GetRule selects the target for mc: cache hit first, else the first
// matching entry in declaration order, inserted into the cache afterward.
// Fails with rderr.ErrNoMatch if nothing matches.
func (r *Rule) GetRule(mc MatchContext) (*Entry, error) {
	key := keyOf(mc)
	if e, ok := r.cache.Get(key); ok {
		return e, nil
	}
	for i := range r.entries {
		if r.entries[i].Matcher.Match(mc) {
			e := &r.entries[i]
			r.cache.Add(key, e)
			return e, nil
		}
	}
	return nil, rderr.ErrNoMatch
}

// Net implements iface.Net, delegating every operation to the rule
// selection's target.
type Net struct {
	rule *Rule
}

func NewNet(rule *Rule) *Net {
	return &Net{rule: rule}
}

// Note: individual net implementations do not push their own name onto
// fctx's chain — that is graph.RunningNet's job, so every net is traced
// exactly once regardless of how many net-type implementations it
// delegates through internally.

func (n *Net) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	e, err := n.rule.GetRule(FromFlow(fctx, addr))
	if err != nil {
		return nil, err
	}
	return e.Target.TcpConnect(ctx, fctx, addr)
}

func (n *Net) TcpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpListener, error) {
	e, err := n.rule.GetRule(FromFlow(fctx, addr))
	if err != nil {
		return nil, err
	}
	return e.Target.TcpBind(ctx, fctx, addr)
}

func (n *Net) UdpBind(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.UdpSocket, error) {
	return NewUDPRuleSocket(n.rule, fctx, addr), nil
}

func (n *Net) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	e, err := n.rule.GetRule(MatchContext{Dest: address.FromDomain(host, 0)})
	if err != nil {
		return nil, err
	}
	return e.Target.LookupHost(ctx, host)
}
