// Package config implements the typed configuration tree: NetSpec/ServerSpec
// trees with embedded NetRef placeholders, decoded from a generic
// map[string]any (however the embedding application loaded YAML/JSON — that
// step is outside this package), plus the generic visitor/resolver machinery
// that fills NetRef placeholders against a NetMap before a config reaches
// its factory.
package config

import (
	"github.com/netgraphd/netgraphd/iface"
)

// NetRef is a by-name placeholder for a net, resolved to a live handle by
// the build-time resolver before any factory observes it.
type NetRef struct {
	Name string
	net  iface.Net
}

// Net returns the resolved handle. Only valid after resolution; factories
// must never be invoked before their NetRefs are resolved.
func (r *NetRef) Net() iface.Net {
	return r.net
}

func (r *NetRef) Resolved() bool {
	return r.net != nil
}

// StringList is the one-or-many shape used by rule matcher "patterns"
// fields and similar (Supplemented Features: Vecstr), accepting either a
// bare string or a list in the source config.
type StringList []string

// Chain is a one-or-many shape used by fields naming an ordered list of
// CIDRs or similar string-shaped values that may be written as a single
// bare string in the wire config.
type Chain []string

// Config is the top-level configuration document.
type Config struct {
	PluginPath string                   `mapstructure:"plugin_path"`
	Net        map[string]NetSpec       `mapstructure:"net"`
	Server     map[string]ServerSpec    `mapstructure:"server"`
	Composite  map[string]CompositeSpec `mapstructure:"composite"`
}

// NetSpec is the untyped envelope for one net entry: a type name and a
// type-specific option blob decoded later by that type's registered
// factory. Any upstream net a type needs (the transport it tunnels over,
// a fallback, members of a combine) is its own NetRef-typed field inside
// Rest — there is no generic envelope-level chain field; each net type
// owns its own typed config shape.
type NetSpec struct {
	Type string         `mapstructure:"type"`
	Rest map[string]any `mapstructure:",remain"`
}

// ServerSpec is the untyped envelope for one server entry.
type ServerSpec struct {
	Type   string         `mapstructure:"type"`
	Listen string         `mapstructure:"listen"`
	Net    string         `mapstructure:"net"`
	Rest   map[string]any `mapstructure:",remain"`
}

// CompositeSpec is sugar for a rule net (Supplemented Features): a named
// entry under composite: expands to an equivalent net: entry of type "rule"
// before dependency extraction and build.
type CompositeSpec struct {
	Rule []CompositeRuleItem `mapstructure:"rule"`
}

// CompositeRuleItem is one matcher/target pair inside a composite rule.
type CompositeRuleItem struct {
	Type   string         `mapstructure:"type"`
	Target string         `mapstructure:"target"`
	Rest   map[string]any `mapstructure:",remain"`
}

const (
	DefaultListen = "local"
	DefaultNet    = "rule"
)

// ExpandComposites rewrites every entry of cfg.Composite into an equivalent
// cfg.Net entry of type "rule", mirroring the original's
// AllNet::Composite(CompositeRule) variant. Called by the supervisor before
// dependency extraction so the rest of the pipeline never needs to know
// composites exist.
func (c *Config) ExpandComposites() {
	if len(c.Composite) == 0 {
		return
	}
	if c.Net == nil {
		c.Net = make(map[string]NetSpec)
	}
	for name, comp := range c.Composite {
		rules := make([]any, 0, len(comp.Rule))
		for _, item := range comp.Rule {
			m := map[string]any{
				"type":   item.Type,
				"target": item.Target,
			}
			for k, v := range item.Rest {
				m[k] = v
			}
			rules = append(rules, m)
		}
		c.Net[name] = NetSpec{
			Type: "rule",
			Rest: map[string]any{"rule": rules},
		}
	}
	c.Composite = nil
}
