package rule

import (
	"fmt"

	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

// EntryOptions is one matcher/target pair of a rule net's configured list,
// decoded from either a "rule:" net config or an expanded composite (see
// config.Config.ExpandComposites).
type EntryOptions struct {
	Type     string            `mapstructure:"type"`
	Target   config.NetRef     `mapstructure:"target"`
	Method   string            `mapstructure:"method"`
	Patterns config.StringList `mapstructure:"patterns"`
	Cidr     config.StringList `mapstructure:"cidr"`
	Country  string            `mapstructure:"country"`
}

// Options configures the "rule" net: an ordered matcher/target list,
// the LRU cache size, and the shared GeoIP database path used by any
// "geoip" entries.
type Options struct {
	Rules        []EntryOptions `mapstructure:"rule"`
	LRUCacheSize int            `mapstructure:"lru_cache_size"`
	GeoIPDB      string         `mapstructure:"geoip_db"`
}

// Register adds the "rule" net type to reg.
func Register(reg *registry.Registry) {
	reg.RegisterNet("rule", registry.NetFactory{
		Build: func(resolve registry.Resolver, opt map[string]any) (iface.Net, error) {
			o, err := decodeOptions(opt)
			if err != nil {
				return nil, err
			}
			if err := config.ResolveNet(o, netMap(resolve)); err != nil {
				return nil, err
			}
			entries, err := compile(o)
			if err != nil {
				return nil, err
			}
			return NewNet(NewRule("rule", entries, o.LRUCacheSize)), nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			o, err := decodeOptions(opt)
			if err != nil {
				return nil, err
			}
			return config.GetDependency(o), nil
		},
	})
}

func decodeOptions(opt map[string]any) (*Options, error) {
	o := &Options{}
	if err := config.Decode(opt, o); err != nil {
		return nil, err
	}
	return o, nil
}

func compile(o *Options) ([]Entry, error) {
	entries := make([]Entry, 0, len(o.Rules))
	for i, r := range o.Rules {
		m, err := compileMatcher(o, r)
		if err != nil {
			return nil, fmt.Errorf("rule: entry %d (%s): %w", i, r.Type, err)
		}
		entries = append(entries, Entry{
			Matcher:    m,
			TargetName: r.Target.Name,
			Target:     r.Target.Net(),
		})
	}
	return entries, nil
}

func compileMatcher(o *Options, r EntryOptions) (Matcher, error) {
	switch r.Type {
	case "domain", "Domain":
		method, err := ParseDomainMethod(r.Method)
		if err != nil {
			return nil, err
		}
		return NewDomainMatcher(method, r.Patterns)
	case "ip_cidr", "IpCidr":
		return NewCIDRMatcher(r.Cidr, false)
	case "src_ip_cidr", "SrcIpCidr":
		return NewCIDRMatcher(r.Cidr, true)
	case "geoip", "GeoIp":
		if o.GeoIPDB == "" {
			return nil, fmt.Errorf("geoip matcher: geoip_db not configured")
		}
		return NewGeoIPMatcher(o.GeoIPDB, r.Country)
	case "any", "Any":
		return AnyMatcher{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown matcher type %q", rderr.ErrConfig, r.Type)
	}
}

type netMap registry.Resolver

func (r netMap) Lookup(name string) (iface.Net, bool) { return r(name) }

var _ config.NetMap = netMap(nil)
