package builtin

import (
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/registry"
)

// AliasOptions names the net an alias entry stands in for.
type AliasOptions struct {
	Net config.NetRef `mapstructure:"net"`
}

func registerAlias(reg *registry.Registry) {
	reg.RegisterNet("alias", registry.NetFactory{
		Build: func(resolve registry.Resolver, opt map[string]any) (iface.Net, error) {
			var o AliasOptions
			if err := config.Decode(opt, &o); err != nil {
				return nil, err
			}
			if err := config.ResolveNet(&o, resolverMap(resolve)); err != nil {
				return nil, err
			}
			return o.Net.Net(), nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			var o AliasOptions
			if err := config.Decode(opt, &o); err != nil {
				return nil, err
			}
			return config.GetDependency(&o), nil
		},
	})
}

// resolverMap adapts a registry.Resolver closure to config.NetMap.
type resolverMap registry.Resolver

func (r resolverMap) Lookup(name string) (iface.Net, bool) { return r(name) }

var _ config.NetMap = resolverMap(nil)
