package config

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
)

var netRefType = reflect.TypeOf(NetRef{})
var chainType = reflect.TypeOf(Chain(nil))
var strListType = reflect.TypeOf(StringList(nil))

// decodeHook lets NetRef, Chain, and StringList fields decode from the
// plain-string / string-or-list shapes the wire config uses, the Go
// analogue of the original's custom serde Deserialize impls for NetRef and
// the untagged Chain enum.
func decodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to {
	case netRefType:
		s, ok := data.(string)
		if !ok {
			return data, fmt.Errorf("config: net ref must be a string, got %T", data)
		}
		return NetRef{Name: s}, nil
	case chainType:
		return toStringList(data)
	case strListType:
		return toStringList(data)
	}
	return data, nil
}

func toStringList(data any) ([]string, error) {
	switch v := data.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("config: expected string in list, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: expected string or list of strings, got %T", data)
	}
}

// Decode fills dst (a pointer to a typed component config struct, which may
// embed NetRef/Chain/StringList fields anywhere, including inside slices and
// maps) from a generic map[string]any, the Go analogue of the original's
// typed serde deserialization.
func Decode(src map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
		Result:           dst,
		TagName:          "mapstructure",
	})
	if err != nil {
		return rderr.WithContext("config: build decoder", err)
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("%w: %s", rderr.ErrConfig, err)
	}
	return nil
}

// Walk visits every NetRef reachable from v (a pointer to a typed component
// config struct), recursing through structs, pointers, slices, arrays, and
// maps. This stands in for the original's per-type Config::visit
// implementations: Go has no derive macros, so a single reflective walker
// plays the role the framework's blanket container impls plus per-component
// derives played there.
func Walk(v any, fn func(*NetRef)) {
	if v == nil {
		return
	}
	rv := reflect.ValueOf(v)
	walkValue(rv, fn)
}

func walkValue(rv reflect.Value, fn func(*NetRef)) {
	if !rv.IsValid() {
		return
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return
		}
		elem := rv.Elem()
		if rv.Kind() == reflect.Ptr && elem.Kind() == reflect.Struct && elem.Type() == reflect.TypeOf(NetRef{}) {
			fn(elem.Addr().Interface().(*NetRef))
			return
		}
		walkValue(elem, fn)
	case reflect.Struct:
		if rv.Type() == netRefType {
			if rv.CanAddr() {
				fn(rv.Addr().Interface().(*NetRef))
			}
			return
		}
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Field(i)
			if !f.CanInterface() {
				continue
			}
			walkValue(f, fn)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			walkValue(rv.Index(i), fn)
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			// Map values are not addressable; NetRef values inside
			// maps must be pointers for resolution to stick. Config
			// authors should use map[string]*NetRef if a map of
			// refs is ever needed; none of the builtin configs do.
			walkValue(iter.Value(), fn)
		}
	}
}

// GetDependency returns the set of names appearing in NetRefs reachable
// from v, without building anything.
func GetDependency(v any) []string {
	var names []string
	Walk(v, func(r *NetRef) {
		if r.Name != "" {
			names = append(names, r.Name)
		}
	})
	return names
}

// NetMap is consulted by ResolveNet to look up already-built nets by name.
type NetMap interface {
	Lookup(name string) (iface.Net, bool)
}

// ResolveNet replaces every NetRef.Name in v with the corresponding net
// handle from m, failing with rderr.NotFound on the first missing entry.
func ResolveNet(v any, m NetMap) error {
	var firstErr error
	Walk(v, func(r *NetRef) {
		if firstErr != nil || r.Name == "" {
			return
		}
		n, ok := m.Lookup(r.Name)
		if !ok {
			firstErr = rderr.NotFound("net", r.Name)
			return
		}
		r.net = n
	})
	return firstErr
}
