package builtin

import "github.com/netgraphd/netgraphd/registry"

// Register adds every builtin net and server type to reg. Callers that want
// the rule engine or DNS sniffer net types register those separately from
// their own packages.
func Register(reg *registry.Registry) {
	registerLocal(reg)
	registerNoop(reg)
	registerAlias(reg)
	registerCombine(reg)
	registerHttp(reg)
	registerSocks5(reg)
	registerWs(reg)

	registerForward(reg)
	registerHTTPServer(reg)
	registerSocks5Server(reg)
	registerMixed(reg)
	registerRedir(reg)
	registerTransparent(reg)
}
