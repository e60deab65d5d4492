// Package registry implements name -> factory tables for nets and
// servers. Registration is static (performed by each builtin package's
// Register function, which main calls explicitly against a shared Registry
// instance handed to the supervisor).
package registry

import (
	"sync"

	"github.com/netgraphd/netgraphd/iface"
)

// Resolver is consulted by a factory's Build to fill the NetRefs embedded in
// its typed config; it returns already-built nets by name.
type Resolver func(name string) (iface.Net, bool)

// NetFactory describes one registered net type.
type NetFactory struct {
	// Build constructs the net from the untyped option blob, using
	// resolve to fill any NetRef fields first.
	Build func(resolve Resolver, opt map[string]any) (iface.Net, error)
	// GetDependency decodes opt and returns the names of every embedded
	// NetRef, without building anything.
	GetDependency func(opt map[string]any) ([]string, error)
}

// ServerFactory describes one registered server type.
type ServerFactory struct {
	Build func(resolve Resolver, listen, net iface.Net, opt map[string]any) (iface.Server, error)
}

// Registry holds the builtin + user-registered net/server factories.
type Registry struct {
	mu      sync.RWMutex
	nets    map[string]NetFactory
	servers map[string]ServerFactory
}

func New() *Registry {
	return &Registry{
		nets:    make(map[string]NetFactory),
		servers: make(map[string]ServerFactory),
	}
}

func (r *Registry) RegisterNet(typeName string, f NetFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nets[typeName] = f
}

func (r *Registry) RegisterServer(typeName string, f ServerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[typeName] = f
}

func (r *Registry) Net(typeName string) (NetFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.nets[typeName]
	return f, ok
}

func (r *Registry) ServerFactory(typeName string) (ServerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.servers[typeName]
	return f, ok
}

// NetTypes returns the registered net type names, for schema export.
func (r *Registry) NetTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nets))
	for k := range r.nets {
		out = append(out, k)
	}
	return out
}

// ServerTypes returns the registered server type names, for schema export.
func (r *Registry) ServerTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for k := range r.servers {
		out = append(out, k)
	}
	return out
}
