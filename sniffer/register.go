package sniffer

import (
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/registry"
)

// Options configures the "dns_sniffer" net: the child net it wraps and the
// capacity of its IP->domain reverse-lookup LRU.
type Options struct {
	Net          config.NetRef `mapstructure:"net"`
	LRUCacheSize int           `mapstructure:"lru_cache_size"`
}

// Register adds the "dns_sniffer" net type to reg.
func Register(reg *registry.Registry) {
	reg.RegisterNet("dns_sniffer", registry.NetFactory{
		Build: func(resolve registry.Resolver, opt map[string]any) (iface.Net, error) {
			o, err := decode(opt)
			if err != nil {
				return nil, err
			}
			if err := config.ResolveNet(o, netMap(resolve)); err != nil {
				return nil, err
			}
			return New(o.Net.Net(), o.LRUCacheSize), nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			o, err := decode(opt)
			if err != nil {
				return nil, err
			}
			return config.GetDependency(o), nil
		},
	})
}

func decode(opt map[string]any) (*Options, error) {
	o := &Options{Net: config.NetRef{Name: "local"}}
	if err := config.Decode(opt, o); err != nil {
		return nil, err
	}
	return o, nil
}

type netMap registry.Resolver

func (r netMap) Lookup(name string) (iface.Net, bool) { return r(name) }

var _ config.NetMap = netMap(nil)
