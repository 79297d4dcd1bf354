// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"strings"

	"github.com/mbeema/intercept/pkg/logtree"
	"github.com/mbeema/intercept/pkg/marshal"
)

// ArgumentDirection tells whether the caller or the callee fills a value.
type ArgumentDirection int

const (
	DirUnknown ArgumentDirection = 0
	DirIn      ArgumentDirection = 1
	DirOut     ArgumentDirection = 2
	DirInOut                     = DirIn | DirOut
)

func (d ArgumentDirection) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirInOut:
		return "inout"
	}
	return "unknown"
}

// ParseArgumentDirection parses "in", "out", "inout" or "".
func ParseArgumentDirection(s string) (ArgumentDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return DirUnknown, nil
	case "in":
		return DirIn, nil
	case "out":
		return DirOut, nil
	case "inout", "in_out", "in-out":
		return DirInOut, nil
	}
	return DirUnknown, fmt.Errorf("unknown argument direction %q", s)
}

// ArgumentSpec describes one argument. It is immutable.
type ArgumentSpec struct {
	name       string
	direction  ArgumentDirection
	marshaller marshal.Marshaller
}

// NewArgumentSpec creates an argument description.
func NewArgumentSpec(name string, dir ArgumentDirection, m marshal.Marshaller) *ArgumentSpec {
	return &ArgumentSpec{name: name, direction: dir, marshaller: m}
}

func (a *ArgumentSpec) Name() string                   { return a.name }
func (a *ArgumentSpec) Direction() ArgumentDirection   { return a.direction }
func (a *ArgumentSpec) Marshaller() marshal.Marshaller { return a.marshaller }
func (a *ArgumentSpec) Size() int                      { return a.marshaller.Size() }

// ArgumentListSpec is an ordered argument list.
type ArgumentListSpec struct {
	args       []*ArgumentSpec
	size       int
	hasOutArgs bool
}

// NewArgumentListSpec creates a list from args in call order.
func NewArgumentListSpec(args ...*ArgumentSpec) *ArgumentListSpec {
	l := &ArgumentListSpec{}
	for _, a := range args {
		l.AddArgument(a)
	}
	return l
}

// AddArgument appends an argument.
func (l *ArgumentListSpec) AddArgument(a *ArgumentSpec) {
	l.args = append(l.args, a)
	l.size += a.Size()
	if a.direction&DirOut != 0 {
		l.hasOutArgs = true
	}
}

// Size is the sum of all argument sizes.
func (l *ArgumentListSpec) Size() int        { return l.size }
func (l *ArgumentListSpec) Count() int       { return len(l.args) }
func (l *ArgumentListSpec) HasOutArgs() bool { return l.hasOutArgs }

// Arg returns the i'th argument spec.
func (l *ArgumentListSpec) Arg(i int) *ArgumentSpec { return l.args[i] }

// Argument is one argument of one call: a spec plus a view of its bytes.
// A nil data slice means the bytes were not available.
type Argument struct {
	spec *ArgumentSpec
	data []byte
}

func (a Argument) Spec() *ArgumentSpec { return a.spec }
func (a Argument) Data() []byte        { return a.data }

func (a Argument) ToString(deep bool, props marshal.PropertyProvider) string {
	return a.spec.marshaller.ToString(a.data, deep, props)
}

func (a Argument) ToInt() (int, bool) {
	return a.spec.marshaller.ToInt(a.data)
}

// ToNode wraps the marshaller's node in an argument element.
func (a Argument) ToNode(deep bool, props marshal.PropertyProvider) *logtree.Node {
	n := logtree.New("argument").SetAttr("name", a.spec.name)
	if a.spec.direction != DirUnknown {
		n.SetAttr("direction", a.spec.direction.String())
	}
	n.AppendChild(a.spec.marshaller.ToNode(a.data, deep, props))
	return n
}

// ArgumentList is an ArgumentListSpec applied to one call's argument bytes.
type ArgumentList struct {
	spec *ArgumentListSpec
	args []Argument
}

// NewArgumentList carves data at the cumulative offsets of spec. Arguments
// past the end of data get no bytes and format as unavailable.
func NewArgumentList(spec *ArgumentListSpec, data []byte) *ArgumentList {
	l := &ArgumentList{spec: spec}
	if spec == nil {
		return l
	}
	off := 0
	for _, s := range spec.args {
		size := s.Size()
		var b []byte
		if off+size <= len(data) {
			b = data[off : off+size : off+size]
		}
		l.args = append(l.args, Argument{spec: s, data: b})
		off += size
	}
	return l
}

func (l *ArgumentList) Spec() *ArgumentListSpec { return l.spec }
func (l *ArgumentList) Count() int              { return len(l.args) }
func (l *ArgumentList) Arg(i int) Argument      { return l.args[i] }

// Lookup finds an argument by name, case-insensitively.
func (l *ArgumentList) Lookup(name string) (Argument, bool) {
	for _, a := range l.args {
		if strings.EqualFold(a.spec.name, name) {
			return a, true
		}
	}
	return Argument{}, false
}
