//go:build !linux

package builtin

import (
	"fmt"

	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

func registerRedir(reg *registry.Registry) {
	reg.RegisterServer("redir", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, egress iface.Net, opt map[string]any) (iface.Server, error) {
			return nil, fmt.Errorf("%w: \"redir\" server requires SO_ORIGINAL_DST, linux only", rderr.ErrNotEnabled)
		},
	})
}
