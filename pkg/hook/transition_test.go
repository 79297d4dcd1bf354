// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mbeema/intercept/pkg/marshal"
	"github.com/mbeema/intercept/pkg/memory"
)

const (
	stackBase = 0x00100000
	stackSize = 0x4000
)

// frame locates what the thunks leave on a thread stack: the PUSHAD
// block and the saved last error under it. sp is the stack pointer the
// thunk was entered with.
type frame struct {
	sp      uintptr
	ctx     uintptr
	lastErr uintptr
}

func mapStack(sim *memory.Sim, index int) uintptr {
	base := uintptr(stackBase + index*2*stackSize)
	sim.Map(base, make([]byte, stackSize), memory.ReadWrite)
	return base + stackSize
}

func mustRead32(t *testing.T, m memory.Memory, addr uintptr) uint32 {
	t.Helper()
	v, err := memory.ReadUint32(m, addr)
	if err != nil {
		t.Fatalf("read %#x: %v", addr, err)
	}
	return v
}

func layoutFrame(m memory.Memory, sp uintptr, regs CpuContext, lastErr uint32) (frame, error) {
	regs.ESP = uint32(sp)
	ctx := sp - 32
	if err := writeCpuContext(m, ctx, &regs); err != nil {
		return frame{}, err
	}
	if err := memory.WriteUint32(m, ctx-4, lastErr); err != nil {
		return frame{}, err
	}
	return frame{sp: sp, ctx: ctx, lastErr: ctx - 4}, nil
}

// layoutCall lays out a call as the caller and the enter thunk would: the
// arguments right to left, the return address, then the thunk's saves.
func layoutCall(m memory.Memory, top uintptr, retAddr uint32, args []uint32, regs CpuContext, lastErr uint32) (frame, error) {
	sp := top - uintptr(4*len(args))
	for i, a := range args {
		if err := memory.WriteUint32(m, sp+uintptr(4*i), a); err != nil {
			return frame{}, err
		}
	}
	sp -= 4
	if err := memory.WriteUint32(m, sp, retAddr); err != nil {
		return frame{}, err
	}
	return layoutFrame(m, sp, regs, lastErr)
}

// layoutReturn lays out the leave thunk's saves for a function that
// returned with the stack pointer at sp.
func layoutReturn(m memory.Memory, sp uintptr, regs CpuContext, lastErr uint32) (frame, error) {
	slot := sp - 4
	if err := memory.WriteUint32(m, slot, 0); err != nil {
		return frame{}, err
	}
	return layoutFrame(m, slot, regs, lastErr)
}

func callInto(t *testing.T, m memory.Memory, top uintptr, retAddr uint32, args []uint32, regs CpuContext, lastErr uint32) frame {
	t.Helper()
	fr, err := layoutCall(m, top, retAddr, args, regs, lastErr)
	if err != nil {
		t.Fatalf("lay out call: %v", err)
	}
	return fr
}

func returnInto(t *testing.T, m memory.Memory, sp uintptr, regs CpuContext, lastErr uint32) frame {
	t.Helper()
	fr, err := layoutReturn(m, sp, regs, lastErr)
	if err != nil {
		t.Fatalf("lay out return: %v", err)
	}
	return fr
}

func int32Arg(name string) *ArgumentSpec {
	return NewArgumentSpec(name, DirIn, marshal.Integer{Bits: 32, Signed: true})
}

func hookedFunction(t *testing.T, e *Engine, spec *FunctionSpec) *Function {
	t.Helper()
	f := e.NewFunction(spec, targetAddr)
	if err := f.Hook(); err != nil {
		t.Fatalf("Hook: %v", err)
	}
	t.Cleanup(func() { f.UnHook() })
	return f
}

func TestCarryOnRoundTrip(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)

	type seen struct {
		state    CallState
		a, b     int
		retval   int
		retOK    bool
		lastErr  int
		userData interface{}
		esp      uint32
	}
	var calls []seen
	spec := NewFunctionSpec("Add", ConvStdcall, 8, HandlerFunc(func(c *FunctionCall) bool {
		s := seen{state: c.State(), userData: c.UserData()}
		s.a, _ = c.QueryForProperty("a")
		s.b, _ = c.QueryForProperty("arg1")
		s.retval, s.retOK = c.QueryForProperty("retval")
		s.lastErr, _ = c.QueryForProperty("lasterror")
		if c.State() == StateEntering {
			c.SetUserData("token")
			s.esp = c.CpuContextEnter().ESP
		} else {
			s.esp = c.CpuContextLeave().ESP
		}
		calls = append(calls, s)
		return true
	}))
	spec.SetArgumentSpecs(int32Arg("a"), int32Arg("b"))
	f := hookedFunction(t, e, spec)

	const retAddr = 0x00405555
	in := callInto(t, sim, top, retAddr, []uint32{40, 2}, CpuContext{EAX: 1, EBX: 2}, 0)
	if got := e.enter(f, 1, in.ctx, in.lastErr); got != actionCarryOn {
		t.Fatalf("enter = %d, want carry on", got)
	}
	if got := mustRead32(t, sim, in.sp); got != uint32(f.Trampoline().Leave) {
		t.Fatalf("return address = %#x, want leave thunk %#x", got, f.Trampoline().Leave)
	}
	if n := e.PendingCalls(1); n != 1 {
		t.Errorf("PendingCalls = %d, want 1", n)
	}

	// original body: stdcall pops the return address and 8 argument bytes
	out := returnInto(t, sim, in.sp+4+8, CpuContext{EAX: 42}, 5)
	e.leave(f, 1, out.ctx, out.lastErr)

	if got := mustRead32(t, sim, out.ctx+32); got != retAddr {
		t.Errorf("restored return address = %#x, want %#x", got, retAddr)
	}
	if n := e.PendingCalls(1); n != 0 {
		t.Errorf("PendingCalls = %d, want 0", n)
	}

	if len(calls) != 2 {
		t.Fatalf("handler calls = %d, want 2", len(calls))
	}
	enter, leave := calls[0], calls[1]
	if enter.state != StateEntering || leave.state != StateLeaving {
		t.Errorf("states = %v, %v", enter.state, leave.state)
	}
	if enter.a != 40 || enter.b != 2 {
		t.Errorf("args = %d, %d, want 40, 2", enter.a, enter.b)
	}
	if enter.retOK {
		t.Error("retval available while entering")
	}
	if !leave.retOK || leave.retval != 42 {
		t.Errorf("retval = %d, %v, want 42", leave.retval, leave.retOK)
	}
	if leave.lastErr != 5 {
		t.Errorf("lasterror = %d, want 5", leave.lastErr)
	}
	if leave.userData != "token" {
		t.Errorf("user data = %v, want token", leave.userData)
	}
	if enter.esp != uint32(in.sp) || leave.esp != uint32(in.sp+12) {
		t.Errorf("esp enter/leave = %#x/%#x", enter.esp, leave.esp)
	}

	st := e.Stats()
	if st.Enters != 1 || st.Leaves != 1 || st.Skips != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSkipStackCleanup(t *testing.T) {
	tests := []struct {
		name     string
		conv     CallingConvention
		argsSize int
		wantESP  uint32 // caller's stack pointer advance after return
	}{
		{"stdcall", ConvStdcall, 8, 4 + 8},
		{"thiscall", ConvThiscall, 4, 4 + 4},
		{"cdecl", ConvCdecl, 8, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, sim := newTestEngine(t, hotpatchCode())
			top := mapStack(sim, 0)

			var leaveESP uint32
			var leaveRet uint32
			var states []CallState
			f := hookedFunction(t, e, NewFunctionSpec("Fn", tt.conv, tt.argsSize, HandlerFunc(func(c *FunctionCall) bool {
				states = append(states, c.State())
				if c.State() == StateEntering {
					c.SetShouldCarryOn(false)
					c.CpuContextLive().EAX = 0xBEEF
					*c.LastErrorLive() = 87
					return true
				}
				leaveESP = c.CpuContextLeave().ESP
				leaveRet, _ = c.ReturnValue()
				return true
			})))

			const retAddr = 0x00406000
			in := callInto(t, sim, top, retAddr, []uint32{1, 2}, CpuContext{EAX: 7}, 0)
			if got := e.enter(f, 1, in.ctx, in.lastErr); got != actionSkip {
				t.Fatalf("enter = %d, want skip", got)
			}
			if len(states) != 2 || states[0] != StateEntering || states[1] != StateLeaving {
				t.Fatalf("states = %v", states)
			}
			if leaveESP-uint32(in.sp) != tt.wantESP {
				t.Errorf("stack advance = %d, want %d", leaveESP-uint32(in.sp), tt.wantESP)
			}
			if leaveRet != 0xBEEF {
				t.Errorf("return value = %#x, want 0xbeef", leaveRet)
			}

			// the thunk pops these into the caller's registers
			ctx, err := readCpuContext(sim, in.ctx)
			if err != nil {
				t.Fatal(err)
			}
			if ctx.EAX != 0xBEEF {
				t.Errorf("EAX = %#x, want 0xbeef", ctx.EAX)
			}
			if got := mustRead32(t, sim, in.lastErr); got != 87 {
				t.Errorf("last error = %d, want 87", got)
			}
			if got := mustRead32(t, sim, in.sp); got != retAddr {
				t.Errorf("return address = %#x, want untouched %#x", got, retAddr)
			}
			if e.PendingCalls(1) != 0 {
				t.Error("skipped call left pending")
			}
			if st := e.Stats(); st.Skips != 1 {
				t.Errorf("Skips = %d, want 1", st.Skips)
			}
		})
	}
}

func TestSkipUnknownUnwindRunsOriginal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e, sim := newTestEngine(t, hotpatchCode())
	e.SetLogger(zap.New(core))
	top := mapStack(sim, 0)

	var carryOnAtLeave bool
	f := hookedFunction(t, e, NewFunctionSpec("Mystery", ConvUnknown, ArgsSizeUnknown, HandlerFunc(func(c *FunctionCall) bool {
		if c.State() == StateEntering {
			c.SetShouldCarryOn(false)
		} else {
			carryOnAtLeave = c.ShouldCarryOn()
		}
		return true
	})))

	in := callInto(t, sim, top, 0x00406000, nil, CpuContext{}, 0)
	if got := e.enter(f, 1, in.ctx, in.lastErr); got != actionCarryOn {
		t.Fatalf("enter = %d, want carry on", got)
	}
	if logs.FilterMessageSnippet("unknown stack cleanup").Len() != 1 {
		t.Errorf("expected a warning, got %v", logs.All())
	}
	out := returnInto(t, sim, in.sp+4, CpuContext{}, 0)
	e.leave(f, 1, out.ctx, out.lastErr)
	if !carryOnAtLeave {
		t.Error("ShouldCarryOn = false at leave, want forced true")
	}
	if st := e.Stats(); st.ForcedCarryOn != 1 || st.Skips != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestThiscallArguments(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)

	var this, x int
	var size int
	spec := NewFunctionSpec("Widget::Resize", ConvThiscall, ArgsSizeUnknown, HandlerFunc(func(c *FunctionCall) bool {
		if c.State() == StateEntering {
			this, _ = c.Arguments().Arg(0).ToInt()
			x, _ = c.QueryForProperty("x")
			size = len(c.ArgumentsData())
		}
		return true
	}))
	spec.SetArgumentSpecs(
		NewArgumentSpec("this", DirIn, marshal.Pointer{}),
		int32Arg("x"),
	)
	if n, ok := spec.StackArgsSize(); !ok || n != 4 {
		t.Fatalf("StackArgsSize = %d, %v, want 4", n, ok)
	}
	f := hookedFunction(t, e, spec)

	in := callInto(t, sim, top, 0x00406000, []uint32{7}, CpuContext{ECX: 0x00C0FFEE}, 0)
	e.enter(f, 1, in.ctx, in.lastErr)
	out := returnInto(t, sim, in.sp+4+4, CpuContext{}, 0)
	e.leave(f, 1, out.ctx, out.lastErr)

	if this != 0x00C0FFEE || x != 7 {
		t.Errorf("this, x = %#x, %d", this, x)
	}
	if size != 8 {
		t.Errorf("argument block = %d bytes, want 8", size)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)

	var leaves int
	f := hookedFunction(t, e, NewFunctionSpec("Boom", ConvStdcall, 0, HandlerFunc(func(c *FunctionCall) bool {
		if c.State() == StateEntering {
			panic("handler bug")
		}
		leaves++
		return true
	})))

	in := callInto(t, sim, top, 0x00406000, nil, CpuContext{}, 0)
	if got := e.enter(f, 1, in.ctx, in.lastErr); got != actionCarryOn {
		t.Fatalf("enter = %d, want carry on", got)
	}
	out := returnInto(t, sim, in.sp+4, CpuContext{}, 0)
	e.leave(f, 1, out.ctx, out.lastErr)

	if leaves != 1 {
		t.Errorf("leave handler ran %d times, want 1", leaves)
	}
	if st := e.Stats(); st.HandlerPanics != 1 {
		t.Errorf("HandlerPanics = %d, want 1", st.HandlerPanics)
	}
}

func TestLivePointersClearedAfterCallback(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)

	var saved *FunctionCall
	var sawLive bool
	f := hookedFunction(t, e, NewFunctionSpec("Fn", ConvStdcall, 0, HandlerFunc(func(c *FunctionCall) bool {
		saved = c
		sawLive = c.CpuContextLive() != nil && c.LastErrorLive() != nil
		return true
	})))

	in := callInto(t, sim, top, 0x00406000, nil, CpuContext{}, 0)
	e.enter(f, 1, in.ctx, in.lastErr)
	if !sawLive {
		t.Error("live pointers not set inside the handler")
	}
	if saved.CpuContextLive() != nil || saved.LastErrorLive() != nil {
		t.Error("live pointers still set after the handler returned")
	}
	out := returnInto(t, sim, in.sp+4, CpuContext{}, 0)
	e.leave(f, 1, out.ctx, out.lastErr)
}

func TestNestedCallsUnwindInOrder(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)

	var order []string
	f := hookedFunction(t, e, NewFunctionSpec("Recurse", ConvCdecl, 4, HandlerFunc(func(c *FunctionCall) bool {
		n, _ := c.QueryForProperty("arg0")
		order = append(order, fmt.Sprintf("%s %d", c.State(), n))
		return true
	})))
	f.Spec().SetArgumentSpecs(int32Arg("depth"))

	outer := callInto(t, sim, top, 0x00406000, []uint32{1}, CpuContext{}, 0)
	e.enter(f, 1, outer.ctx, outer.lastErr)
	// the outer body calls again further down the stack
	inner := callInto(t, sim, outer.ctx-0x100, 0x00401020, []uint32{2}, CpuContext{}, 0)
	e.enter(f, 1, inner.ctx, inner.lastErr)

	innerOut := returnInto(t, sim, inner.sp+4, CpuContext{}, 0)
	e.leave(f, 1, innerOut.ctx, innerOut.lastErr)
	outerOut := returnInto(t, sim, outer.sp+4, CpuContext{}, 0)
	e.leave(f, 1, outerOut.ctx, outerOut.lastErr)

	if got := mustRead32(t, sim, innerOut.ctx+32); got != 0x00401020 {
		t.Errorf("inner return = %#x", got)
	}
	if got := mustRead32(t, sim, outerOut.ctx+32); got != 0x00406000 {
		t.Errorf("outer return = %#x", got)
	}
	want := []string{"entering 1", "entering 2", "leaving 2", "leaving 1"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestLeaveDropsUnwoundCalls(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	const innerAddr = 0x00402000
	sim.Map(innerAddr, hotpatchCode(), memory.ReadExecute)
	top := mapStack(sim, 0)

	var leaves []string
	record := HandlerFunc(func(c *FunctionCall) bool {
		if c.State() == StateLeaving {
			leaves = append(leaves, c.Function().Spec().Name())
		}
		return true
	})
	a := hookedFunction(t, e, NewFunctionSpec("A", ConvCdecl, 0, record))
	b := e.NewFunction(NewFunctionSpec("B", ConvStdcall, 4, record), innerAddr)
	if err := b.Hook(); err != nil {
		t.Fatalf("Hook B: %v", err)
	}
	t.Cleanup(func() { b.UnHook() })

	outer := callInto(t, sim, top, 0x00406000, nil, CpuContext{}, 0)
	e.enter(a, 1, outer.ctx, outer.lastErr)
	// A calls B, and B's frame is torn down by an exception handler
	inner := callInto(t, sim, outer.ctx-0x100, 0x00401020, []uint32{1}, CpuContext{}, 0)
	e.enter(b, 1, inner.ctx, inner.lastErr)

	out := returnInto(t, sim, outer.sp+4, CpuContext{}, 0)
	e.leave(a, 1, out.ctx, out.lastErr)

	if got := mustRead32(t, sim, out.ctx+32); got != 0x00406000 {
		t.Errorf("A returns to %#x, want 0x406000", got)
	}
	if n := e.PendingCalls(1); n != 0 {
		t.Errorf("PendingCalls = %d, want 0", n)
	}
	if len(leaves) != 1 || leaves[0] != "A" {
		t.Errorf("leave handlers = %v, want [A]", leaves)
	}
	if st := e.Stats(); st.Unwound != 1 || st.Leaves != 1 {
		t.Errorf("stats = %+v, want 1 unwound and 1 leave", st)
	}
}

func TestLeaveMatchesStackFrame(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)
	f := hookedFunction(t, e, NewFunctionSpec("Fn", ConvStdcall, 8, nil))

	in := callInto(t, sim, top, 0x00406000, []uint32{1, 2}, CpuContext{}, 0)
	e.enter(f, 1, in.ctx, in.lastErr)

	// a stdcall return that popped the wrong number of bytes is not this call
	func() {
		defer func() {
			if recover() == nil {
				t.Error("leave at a foreign stack pointer did not panic")
			}
		}()
		bad := returnInto(t, sim, in.sp+4+4, CpuContext{}, 0)
		e.leave(f, 1, bad.ctx, bad.lastErr)
	}()
	if n := e.PendingCalls(1); n != 1 {
		t.Fatalf("PendingCalls = %d, want 1", n)
	}

	out := returnInto(t, sim, in.sp+4+8, CpuContext{}, 0)
	e.leave(f, 1, out.ctx, out.lastErr)
	if got := mustRead32(t, sim, out.ctx+32); got != 0x00406000 {
		t.Errorf("return address = %#x, want 0x406000", got)
	}
}

func TestHandlerCallingHookedFunctionRunsUntraced(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)

	var entered int
	var f *Function
	f = hookedFunction(t, e, NewFunctionSpec("WriteFile", ConvStdcall, 4, HandlerFunc(func(c *FunctionCall) bool {
		if c.State() != StateEntering {
			return true
		}
		entered++
		// the handler writes its own log line through the hooked API
		nested := callInto(t, sim, uintptr(c.CpuContextEnter().ESP)-0x200, 0x00407000, []uint32{9}, CpuContext{}, 0)
		if got := e.enter(f, c.ThreadID(), nested.ctx, nested.lastErr); got != actionCarryOn {
			t.Errorf("nested enter = %d, want carry on", got)
		}
		if got := mustRead32(t, sim, nested.sp); got != 0x00407000 {
			t.Errorf("nested return address = %#x, want it untouched", got)
		}
		return true
	})))

	in := callInto(t, sim, top, 0x00406000, []uint32{1}, CpuContext{}, 0)
	e.enter(f, 1, in.ctx, in.lastErr)
	if entered != 1 {
		t.Errorf("handler entered %d times, want 1", entered)
	}
	if n := e.PendingCalls(1); n != 1 {
		t.Errorf("PendingCalls = %d, want 1", n)
	}
	out := returnInto(t, sim, in.sp+4+4, CpuContext{}, 0)
	e.leave(f, 1, out.ctx, out.lastErr)

	st := e.Stats()
	if st.Reentered != 1 || st.Enters != 1 || st.Leaves != 1 {
		t.Errorf("stats = %+v, want 1 reentered, 1 enter, 1 leave", st)
	}

	// outside a handler the same thread is traced again
	again := callInto(t, sim, top, 0x00406000, []uint32{2}, CpuContext{}, 0)
	e.enter(f, 1, again.ctx, again.lastErr)
	if entered != 2 {
		t.Errorf("handler entered %d times after the call, want 2", entered)
	}
	out = returnInto(t, sim, again.sp+4+4, CpuContext{}, 0)
	e.leave(f, 1, out.ctx, out.lastErr)
}

func TestLeaveWithoutEnterPanics(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)
	f := hookedFunction(t, e, NewFunctionSpec("Fn", ConvStdcall, 0, nil))

	defer func() {
		if recover() == nil {
			t.Error("leave without a pending call did not panic")
		}
	}()
	out := returnInto(t, sim, top-64, CpuContext{}, 0)
	e.leave(f, 9, out.ctx, out.lastErr)
}

func TestDispatchThroughRegistry(t *testing.T) {
	e, sim := newTestEngine(t, hotpatchCode())
	top := mapStack(sim, 0)

	var hits int
	f := hookedFunction(t, e, NewFunctionSpec("Fn", ConvStdcall, 0, HandlerFunc(func(*FunctionCall) bool {
		hits++
		return true
	})))

	in := callInto(t, sim, top, 0x00406000, nil, CpuContext{}, 0)
	if got := dispatchEnter(f.ID(), in.ctx, in.lastErr); got != actionCarryOn {
		t.Fatalf("dispatchEnter = %d", got)
	}
	out := returnInto(t, sim, in.sp+4, CpuContext{}, 0)
	dispatchLeave(f.ID(), out.ctx, out.lastErr)
	if hits != 2 {
		t.Errorf("handler hits = %d, want 2", hits)
	}

	if got := dispatchEnter(0xFFFFFFF0, in.ctx, in.lastErr); got != actionCarryOn {
		t.Errorf("unknown id = %d, want carry on", got)
	}
}

func TestConcurrentCalls(t *testing.T) {
	const (
		threads = 8
		rounds  = 200
	)
	e, sim := newTestEngine(t, hotpatchCode())
	tops := make([]uintptr, threads)
	for i := range tops {
		tops[i] = mapStack(sim, i)
	}

	var enters, leaves, mismatched atomic.Int64
	spec := NewFunctionSpec("Shared", ConvStdcall, 4, HandlerFunc(func(c *FunctionCall) bool {
		arg, _ := c.QueryForProperty("id")
		if c.State() == StateEntering {
			enters.Add(1)
			c.SetUserData(arg)
			return true
		}
		leaves.Add(1)
		if c.UserData() != arg {
			mismatched.Add(1)
		}
		return true
	}))
	spec.SetArgumentSpecs(int32Arg("id"))
	f := hookedFunction(t, e, spec)

	var wg sync.WaitGroup
	errs := make(chan string, threads)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tid := uint32(100 + i)
			for r := 0; r < rounds; r++ {
				id := uint32(i*rounds + r)
				ret := uint32(0x00500000 + id)
				in, err := layoutCall(sim, tops[i], ret, []uint32{id}, CpuContext{}, 0)
				if err != nil {
					errs <- err.Error()
					return
				}
				if e.enter(f, tid, in.ctx, in.lastErr) != actionCarryOn {
					errs <- "unexpected skip"
					return
				}
				out, err := layoutReturn(sim, in.sp+8, CpuContext{EAX: id}, 0)
				if err != nil {
					errs <- err.Error()
					return
				}
				e.leave(f, tid, out.ctx, out.lastErr)
				if got, _ := memory.ReadUint32(sim, out.ctx+32); got != ret {
					errs <- fmt.Sprintf("thread %d round %d: return %#x, want %#x", i, r, got, ret)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}

	if enters.Load() != threads*rounds || leaves.Load() != threads*rounds {
		t.Errorf("enters, leaves = %d, %d, want %d", enters.Load(), leaves.Load(), threads*rounds)
	}
	if mismatched.Load() != 0 {
		t.Errorf("%d calls saw another call's user data", mismatched.Load())
	}
	for i := 0; i < threads; i++ {
		if n := e.PendingCalls(uint32(100 + i)); n != 0 {
			t.Errorf("thread %d has %d pending calls", i, n)
		}
	}
}
