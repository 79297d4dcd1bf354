// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"testing"

	"github.com/mbeema/intercept/pkg/marshal"
)

func TestArgumentListSpec(t *testing.T) {
	spec := NewArgumentListSpec(
		NewArgumentSpec("hFile", DirIn, marshal.Integer{Bits: 32, Hex: true}),
		NewArgumentSpec("flag", DirIn, marshal.Integer{Bits: 8}),
	)
	if spec.Size() != 5 || spec.Count() != 2 || spec.HasOutArgs() {
		t.Errorf("spec size=%d count=%d out=%v", spec.Size(), spec.Count(), spec.HasOutArgs())
	}
	spec.AddArgument(NewArgumentSpec("lpRead", DirOut, marshal.Pointer{}))
	if spec.Size() != 9 || !spec.HasOutArgs() {
		t.Errorf("after AddArgument size=%d out=%v", spec.Size(), spec.HasOutArgs())
	}
	if spec.Arg(2).Name() != "lpRead" || spec.Arg(2).Direction() != DirOut {
		t.Errorf("Arg(2) = %+v", spec.Arg(2))
	}
}

func TestArgumentListCarving(t *testing.T) {
	spec := NewArgumentListSpec(
		NewArgumentSpec("a", DirIn, marshal.Integer{Bits: 32}),
		NewArgumentSpec("b", DirIn, marshal.Integer{Bits: 16, Signed: true}),
		NewArgumentSpec("c", DirIn, marshal.Integer{Bits: 32}),
	)
	data := []byte{
		0x01, 0x02, 0x00, 0x00, // a = 0x201
		0xfe, 0xff, // b = -2
		0x05, 0x00, 0x00, 0x00, // c = 5
	}
	l := NewArgumentList(spec, data)
	if l.Count() != 3 {
		t.Fatalf("Count = %d, want 3", l.Count())
	}
	want := []int{0x201, -2, 5}
	for i, w := range want {
		v, ok := l.Arg(i).ToInt()
		if !ok || v != w {
			t.Errorf("arg %d = %d, %v, want %d", i, v, ok, w)
		}
	}
	if got := l.Arg(1).ToString(false, nil); got != "-2" {
		t.Errorf("ToString = %q, want -2", got)
	}
	if a, ok := l.Lookup("C"); !ok || len(a.Data()) != 4 {
		t.Errorf("Lookup(C) = %+v, %v", a, ok)
	}
}

func TestArgumentListShortBlock(t *testing.T) {
	spec := NewArgumentListSpec(
		NewArgumentSpec("a", DirIn, marshal.Integer{Bits: 32}),
		NewArgumentSpec("b", DirIn, marshal.Integer{Bits: 32}),
	)
	l := NewArgumentList(spec, []byte{1, 0, 0, 0, 2, 0})

	if v, ok := l.Arg(0).ToInt(); !ok || v != 1 {
		t.Errorf("arg 0 = %d, %v", v, ok)
	}
	if _, ok := l.Arg(1).ToInt(); ok {
		t.Error("arg 1 should be unavailable")
	}
	if got := l.Arg(1).ToString(true, nil); got != marshal.Unavailable {
		t.Errorf("arg 1 = %q, want %q", got, marshal.Unavailable)
	}
	if l.Arg(1).Data() != nil {
		t.Error("unavailable argument has data")
	}
}

func TestArgumentToNode(t *testing.T) {
	spec := NewArgumentListSpec(NewArgumentSpec("dwFlags", DirIn, marshal.Integer{Bits: 32, Hex: true}))
	n := NewArgumentList(spec, []byte{0x80, 0, 0, 0}).Arg(0).ToNode(false, nil)
	want := `<argument name="dwFlags" direction="in"><UInt32>0x00000080</UInt32></argument>`
	if got := n.String(); got != want {
		t.Errorf("ToNode = %s, want %s", got, want)
	}
}

func TestParseDirection(t *testing.T) {
	tests := map[string]ArgumentDirection{
		"in": DirIn, "OUT": DirOut, "inout": DirInOut, "": DirUnknown,
	}
	for in, want := range tests {
		got, err := ParseArgumentDirection(in)
		if err != nil || got != want {
			t.Errorf("ParseArgumentDirection(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseArgumentDirection("sideways"); err == nil {
		t.Error("expected error")
	}
}

func TestSpecUnwindSize(t *testing.T) {
	withArgs := func(conv CallingConvention, size int) *FunctionSpec {
		s := NewFunctionSpec("f", conv, size, nil)
		s.SetArgumentSpecs(
			NewArgumentSpec("x", DirIn, marshal.Integer{Bits: 32}),
			NewArgumentSpec("y", DirIn, marshal.Integer{Bits: 32}),
		)
		return s
	}
	tests := []struct {
		name string
		spec *FunctionSpec
		want int
		ok   bool
	}{
		{"stdcall explicit", NewFunctionSpec("f", ConvStdcall, 12, nil), 12, true},
		{"stdcall unknown", NewFunctionSpec("f", ConvStdcall, ArgsSizeUnknown, nil), 0, false},
		{"stdcall from args", withArgs(ConvStdcall, ArgsSizeUnknown), 8, true},
		{"thiscall from args", withArgs(ConvThiscall, ArgsSizeUnknown), 4, true},
		{"cdecl", NewFunctionSpec("f", ConvCdecl, 16, nil), 0, true},
		{"unknown", withArgs(ConvUnknown, 8), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := tt.spec.UnwindSize()
			if n != tt.want || ok != tt.ok {
				t.Errorf("UnwindSize = %d, %v, want %d, %v", n, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseCallingConvention(t *testing.T) {
	tests := map[string]CallingConvention{
		"stdcall": ConvStdcall, "__stdcall": ConvStdcall, "WINAPI": ConvStdcall,
		"thiscall": ConvThiscall, "cdecl": ConvCdecl, "__cdecl": ConvCdecl, "": ConvUnknown,
	}
	for in, want := range tests {
		got, err := ParseCallingConvention(in)
		if err != nil || got != want {
			t.Errorf("ParseCallingConvention(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseCallingConvention("fastcall"); err == nil {
		t.Error("fastcall should be rejected")
	}
	if ConvThiscall.String() != "thiscall" || !ConvThiscall.CalleeCleans() || ConvCdecl.CalleeCleans() {
		t.Error("convention helpers")
	}
}
