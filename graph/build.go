package graph

import (
	"fmt"
	"sort"

	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

// NetTable is the build-time result of BuildNets: every configured net,
// already instantiated and wrapped in a RunningNet, addressable by name. It
// implements config.NetMap so per-type factories can resolve their own
// NetRef fields during Build.
type NetTable struct {
	nets map[string]*RunningNet
}

func (t *NetTable) Lookup(name string) (iface.Net, bool) {
	rn, ok := t.nets[name]
	if !ok {
		return nil, false
	}
	return rn, true
}

// Get returns the RunningNet itself (for hot-swap and inspection), not just
// the iface.Net view.
func (t *NetTable) Get(name string) (*RunningNet, bool) {
	rn, ok := t.nets[name]
	return rn, ok
}

func (t *NetTable) Names() []string {
	out := make([]string, 0, len(t.nets))
	for name := range t.nets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var _ config.NetMap = (*NetTable)(nil)

// BuildNets ensures the implicit "local" and "noop" nets exist, asks every
// registered net type's GetDependency to find the NetRefs embedded in its
// typed config, then
// topologically sorts and instantiates each net in dependency order, so a
// factory's resolve closure only ever needs to look up already-built nets.
func BuildNets(reg *registry.Registry, nets map[string]config.NetSpec) (*NetTable, error) {
	specs := make(map[string]config.NetSpec, len(nets)+2)
	for name, spec := range nets {
		specs[name] = spec
	}
	ensureDefault(specs, "local")
	ensureDefault(specs, "noop")

	factories := make(map[string]registry.NetFactory, len(specs))
	deps := make(map[string][]string, len(specs))
	for name, spec := range specs {
		f, ok := reg.Net(spec.Type)
		if !ok {
			return nil, fmt.Errorf("graph: net %q: %w", name, rderr.NotFound("net_type", spec.Type))
		}
		factories[name] = f
		d, err := f.GetDependency(spec.Rest)
		if err != nil {
			return nil, rderr.WithContext(fmt.Sprintf("graph: net %q: get_dependency", name), err)
		}
		deps[name] = d
	}

	order, err := topoSort(deps)
	if err != nil {
		return nil, err
	}

	table := &NetTable{nets: make(map[string]*RunningNet, len(order))}
	resolve := func(name string) (iface.Net, bool) { return table.Lookup(name) }

	for _, name := range order {
		f := factories[name]
		n, err := f.Build(resolve, specs[name].Rest)
		if err != nil {
			return nil, rderr.WithContext(fmt.Sprintf("graph: build net %q", name), err)
		}
		table.nets[name] = NewRunningNet(name, n)
	}
	return table, nil
}

func ensureDefault(m map[string]config.NetSpec, typeName string) {
	if _, ok := m[typeName]; !ok {
		m[typeName] = config.NetSpec{Type: typeName, Rest: map[string]any{}}
	}
}

// topoSort returns the configured net names ordered so that every name
// appears after all of its dependencies (a dependency-first / post-order
// DFS topological sort), failing with rderr.ErrConfig if a cycle is found,
// or with an rderr.NotFoundError (kind "net") if a dependency names a net
// that was never configured.
func topoSort(deps map[string][]string) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(deps))
	order := make([]string, 0, len(deps))
	var stack []string

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: net dependency cycle: %v -> %s", rderr.ErrConfig, append(append([]string{}, stack...), name), name)
		}
		color[name] = gray
		stack = append(stack, name)
		for _, dep := range deps[name] {
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("graph: net %q: %w", name, rderr.NotFound("net", dep))
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
