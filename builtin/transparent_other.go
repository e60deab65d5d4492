//go:build !linux

package builtin

import (
	"fmt"

	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

func registerTransparent(reg *registry.Registry) {
	reg.RegisterServer("transparent", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, egress iface.Net, opt map[string]any) (iface.Server, error) {
			return nil, fmt.Errorf("%w: \"transparent\" server requires IP_TRANSPARENT, linux only", rderr.ErrNotEnabled)
		},
	})
}
