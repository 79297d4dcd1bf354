// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

// ArgsSizeUnknown marks a function whose argument block size is not known.
const ArgsSizeUnknown = -1

// Handler is called when a hooked function is entered and again when it
// returns; FunctionCall.State tells the two apart. The result is advisory
// and only reported in logs.
type Handler interface {
	HandleCall(call *FunctionCall) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(call *FunctionCall) bool

func (f HandlerFunc) HandleCall(call *FunctionCall) bool { return f(call) }

// FunctionSpec is the static description of a function to intercept.
// Configure it before hooking; the call path only reads it.
type FunctionSpec struct {
	name     string
	conv     CallingConvention
	argsSize int
	args     *ArgumentListSpec
	handler  Handler
}

// NewFunctionSpec creates a spec. argsSize is the number of argument
// bytes on the stack, or ArgsSizeUnknown.
func NewFunctionSpec(name string, conv CallingConvention, argsSize int, handler Handler) *FunctionSpec {
	s := &FunctionSpec{}
	s.SetParams(name, conv, argsSize, handler)
	return s
}

// SetParams replaces the name, convention, size and handler at once.
func (s *FunctionSpec) SetParams(name string, conv CallingConvention, argsSize int, handler Handler) {
	s.name = name
	s.conv = conv
	s.argsSize = argsSize
	s.handler = handler
}

func (s *FunctionSpec) Name() string        { return s.name }
func (s *FunctionSpec) SetName(name string) { s.name = name }

func (s *FunctionSpec) CallingConvention() CallingConvention     { return s.conv }
func (s *FunctionSpec) SetCallingConvention(c CallingConvention) { s.conv = c }

func (s *FunctionSpec) ArgsSize() int     { return s.argsSize }
func (s *FunctionSpec) SetArgsSize(n int) { s.argsSize = n }

func (s *FunctionSpec) Handler() Handler     { return s.handler }
func (s *FunctionSpec) SetHandler(h Handler) { s.handler = h }

func (s *FunctionSpec) Arguments() *ArgumentListSpec { return s.args }

// SetArguments attaches an argument list. It does not touch the args
// size; StackArgsSize falls back to the list when that size is unknown.
func (s *FunctionSpec) SetArguments(l *ArgumentListSpec) {
	s.args = l
}

// SetArgumentSpecs is SetArguments for a literal list.
func (s *FunctionSpec) SetArgumentSpecs(args ...*ArgumentSpec) {
	s.SetArguments(NewArgumentListSpec(args...))
}

// StackArgsSize is the number of argument bytes the caller pushed. For
// thiscall the first argument travels in ECX and is not counted.
func (s *FunctionSpec) StackArgsSize() (int, bool) {
	if s.argsSize != ArgsSizeUnknown {
		return s.argsSize, true
	}
	if s.args == nil {
		return 0, false
	}
	n := s.args.Size()
	if s.conv == ConvThiscall && s.args.Count() > 0 {
		n -= s.args.Arg(0).Size()
	}
	return n, true
}

// UnwindSize is how many argument bytes must be popped when the original
// function is skipped. It is unknown when the convention is unknown or a
// callee-cleaned function has no known argument size.
func (s *FunctionSpec) UnwindSize() (int, bool) {
	switch s.conv {
	case ConvCdecl:
		return 0, true
	case ConvStdcall, ConvThiscall:
		return s.StackArgsSize()
	}
	return 0, false
}
