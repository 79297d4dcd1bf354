// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package marshal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mbeema/intercept/pkg/memory"
)

// Options carries the settings a type name alone cannot express.
type Options struct {
	Mem        memory.Reader
	Length     int
	LengthFrom string
	Max        int
	Values     map[int]string
	Elem       string // pointee type for "pointer"
}

type factory func(Options) (Marshaller, error)

var registry = map[string]factory{
	"int8":   integer(8, true, false),
	"uint8":  integer(8, false, false),
	"byte":   integer(8, false, true),
	"int16":  integer(16, true, false),
	"uint16": integer(16, false, false),
	"word":   integer(16, false, true),
	"int32":  integer(32, true, false),
	"int":    integer(32, true, false),
	"long":   integer(32, true, false),
	"uint32": integer(32, false, false),
	"uint":   integer(32, false, false),
	"dword":  integer(32, false, true),
	"handle": integer(32, false, true),
	"hex32":  integer(32, false, true),
	"int64":  integer(64, true, false),
	"uint64": integer(64, false, false),
	"bool":   func(Options) (Marshaller, error) { return Bool{}, nil },
	"enum": func(o Options) (Marshaller, error) {
		return Enum{Values: o.Values}, nil
	},
	"bytes": func(o Options) (Marshaller, error) {
		if o.Length <= 0 && o.LengthFrom == "" {
			return nil, fmt.Errorf("bytes needs length or length_from")
		}
		return ByteArray{Mem: o.Mem, Length: o.Length, LengthFrom: o.LengthFrom, Max: o.Max}, nil
	},
	"lpstr": func(o Options) (Marshaller, error) {
		return CString{Mem: o.Mem, Max: o.Max}, nil
	},
	"lpwstr": func(o Options) (Marshaller, error) {
		return CString{Mem: o.Mem, Wide: true, Max: o.Max}, nil
	},
}

var aliases = map[string]string{
	"char":    "int8",
	"short":   "int16",
	"ushort":  "uint16",
	"ulong":   "uint32",
	"ptr":     "pointer",
	"lpvoid":  "pointer",
	"buffer":  "bytes",
	"cstring": "lpstr",
	"string":  "lpstr",
	"lpcstr":  "lpstr",
	"wstring": "lpwstr",
	"lpcwstr": "lpwstr",
}

// pointer is registered in init because it resolves its pointee through
// Lookup, which reads the registry.
func init() {
	registry["pointer"] = func(o Options) (Marshaller, error) {
		p := Pointer{Mem: o.Mem}
		if o.Elem != "" {
			elem, err := Lookup(o.Elem, Options{Mem: o.Mem, Values: o.Values})
			if err != nil {
				return nil, fmt.Errorf("pointee: %w", err)
			}
			p.Elem = elem
		}
		return p, nil
	}
}

func integer(bits int, signed, hex bool) factory {
	return func(Options) (Marshaller, error) {
		return Integer{Bits: bits, Signed: signed, Hex: hex}, nil
	}
}

// Lookup builds the marshaller registered under a type name. Names are
// case-insensitive.
func Lookup(name string, opts Options) (Marshaller, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("unknown marshaller type %q", name)
	}
	return f(opts)
}

// Names lists the registered type names, aliases included.
func Names() []string {
	names := make([]string, 0, len(registry)+len(aliases))
	for k := range registry {
		names = append(names, k)
	}
	for k := range aliases {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
