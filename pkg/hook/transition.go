// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/hook/x86"
	"github.com/mbeema/intercept/pkg/memory"
)

// Enter gate results, see x86.EnterThunk.
const (
	actionCarryOn uintptr = 0
	actionSkip    uintptr = 1
)

// pendingCall is a call between its enter and leave callbacks.
type pendingCall struct {
	fn      *Function
	call    *FunctionCall
	retAddr uint32
	// stack pointer at entry, the address of the return address slot
	esp uint32
}

// returnsAt reports whether a leave with the stack pointer at esp can be
// the return of p. A callee-cleaned function with unknown argument size
// may pop any amount.
func (p *pendingCall) returnsAt(f *Function, esp uint32) bool {
	if p.fn != f {
		return false
	}
	if unwind, ok := f.spec.UnwindSize(); ok {
		return p.esp+uint32(unwind) == esp
	}
	return p.esp <= esp
}

// callStack holds one thread's pending calls, innermost last. Only its
// own thread touches it.
type callStack struct {
	calls []pendingCall
	// depth of handler invocations running on this thread
	inHandler int
}

func (s *callStack) push(p pendingCall) { s.calls = append(s.calls, p) }

// popReturning removes and returns the newest call of f that returns with
// the stack pointer at esp. Newer calls lie in frames below esp that were
// unwound without returning (SEH, longjmp); they are dropped and
// reported in unwound.
func (s *callStack) popReturning(f *Function, esp uint32) (p pendingCall, unwound []pendingCall, ok bool) {
	for i := len(s.calls) - 1; i >= 0; i-- {
		c := &s.calls[i]
		if c.returnsAt(f, esp) {
			p = *c
			unwound = append(unwound, s.calls[i+1:]...)
			for j := i; j < len(s.calls); j++ {
				s.calls[j] = pendingCall{}
			}
			s.calls = s.calls[:i]
			return p, unwound, true
		}
		if c.esp >= esp {
			// a live frame at or above the returning one
			break
		}
	}
	return pendingCall{}, nil, false
}

func (s *callStack) pop() (pendingCall, bool) {
	n := len(s.calls)
	if n == 0 {
		return pendingCall{}, false
	}
	p := s.calls[n-1]
	s.calls[n-1] = pendingCall{}
	s.calls = s.calls[:n-1]
	return p, true
}

func (e *Engine) threadStack(tid uint32) *callStack {
	if v, ok := e.stacks.Load(tid); ok {
		return v.(*callStack)
	}
	v, _ := e.stacks.LoadOrStore(tid, &callStack{})
	return v.(*callStack)
}

// PendingCalls returns how many calls of thread tid are waiting for their
// leave callback.
func (e *Engine) PendingCalls(tid uint32) int {
	v, ok := e.stacks.Load(tid)
	if !ok {
		return 0
	}
	return len(v.(*callStack).calls)
}

// Enter delivers an enter callback for f on thread tid without the native
// gate, for gateways that run calls in an emulator. ctxAddr and lastErrAddr
// locate the saved registers and last error as the enter thunk lays them
// out. It reports whether the original function was skipped.
func (e *Engine) Enter(f *Function, tid uint32, ctxAddr, lastErrAddr uintptr) bool {
	return e.enter(f, tid, ctxAddr, lastErrAddr) == actionSkip
}

// Leave delivers the matching leave callback, see Enter.
func (e *Engine) Leave(f *Function, tid uint32, ctxAddr, lastErrAddr uintptr) {
	e.leave(f, tid, ctxAddr, lastErrAddr)
}

// enter runs on the hooked thread when the enter thunk calls the gate.
// ctxAddr is the PUSHAD block, whose ESP points at the return address;
// lastErrAddr is the saved last error. The result tells the thunk whether
// to run the original function.
func (e *Engine) enter(f *Function, tid uint32, ctxAddr, lastErrAddr uintptr) uintptr {
	if e.threadStack(tid).inHandler > 0 {
		// a handler calling a hooked function: run it untraced
		e.stats.reentered.Add(1)
		return actionCarryOn
	}
	e.stats.enters.Add(1)
	mem := e.mem

	live, err := readCpuContext(mem, ctxAddr)
	if err != nil {
		e.fault("read enter context", f, err)
		return actionCarryOn
	}
	retAddr, err := memory.ReadUint32(mem, uintptr(live.ESP))
	if err != nil {
		e.fault("read return address", f, err)
		return actionCarryOn
	}
	lastErr, err := memory.ReadUint32(mem, lastErrAddr)
	if err != nil {
		e.fault("read last error", f, err)
	}
	var backtrace uint32
	if live.EBP != 0 {
		// frame pointer of the caller: [ebp+4] is its own return address
		backtrace, _ = memory.ReadUint32(mem, uintptr(live.EBP)+4)
	}

	call := newFunctionCall(f, backtrace, retAddr, live)
	call.tid = tid
	call.lastErrorEnter = lastErr
	call.argsData = e.readArguments(f.spec, &live)
	call.args = NewArgumentList(f.spec.Arguments(), call.argsData)

	live, lastErr = e.invoke(f, call, live, lastErr)
	e.writeBack(f, ctxAddr, lastErrAddr, &call.enter, &live, call.lastErrorEnter, lastErr)

	if !call.carryOn {
		unwind, ok := f.spec.UnwindSize()
		if !ok {
			e.stats.forcedCarryOn.Add(1)
			e.Logger().Warn("cannot skip call with unknown stack cleanup, running original",
				zap.String("function", f.FullName()),
				zap.Stringer("convention", f.spec.CallingConvention()),
			)
			call.carryOn = true
		} else {
			e.skip(f, call, ctxAddr, lastErrAddr, live, lastErr, unwind)
			return actionSkip
		}
	}

	leaveAddr := f.leaveAddr.Load()
	if leaveAddr == 0 {
		// unhooked while the thunk was running
		return actionCarryOn
	}
	stack := e.threadStack(tid)
	stack.push(pendingCall{fn: f, call: call, retAddr: retAddr, esp: live.ESP})
	if err := memory.WriteUint32(mem, uintptr(live.ESP), uint32(leaveAddr)); err != nil {
		stack.pop()
		e.fault("redirect return address", f, err)
	}
	return actionCarryOn
}

// skip completes a call the handler chose not to run: the leave callback
// sees the registers as the handler left them.
func (e *Engine) skip(f *Function, call *FunctionCall, ctxAddr, lastErrAddr uintptr, live CpuContext, lastErr uint32, unwind int) {
	e.stats.skips.Add(1)

	call.state = StateLeaving
	call.leave = live
	call.leave.ESP = live.ESP + 4 + uint32(unwind)
	call.lastErrorLeave = lastErr

	before := live
	live, lastErr = e.invoke(f, call, live, lastErr)
	e.writeBack(f, ctxAddr, lastErrAddr, &before, &live, call.lastErrorLeave, lastErr)
	e.stats.leaves.Add(1)
}

// leave runs on the hooked thread when the function returns into the
// leave thunk. ctxAddr is the PUSHAD block sitting right under the slot
// the real return address must be written to; its saved ESP is that slot.
func (e *Engine) leave(f *Function, tid uint32, ctxAddr, lastErrAddr uintptr) {
	mem := e.mem

	live, err := readCpuContext(mem, ctxAddr)
	if err != nil {
		e.Logger().Error("read leave context failed", zap.String("function", f.FullName()), zap.Error(err))
		panic(fmt.Sprintf("hook: %s returned on thread %d with unreadable context: %v", f.FullName(), tid, err))
	}

	p, unwound, ok := e.threadStack(tid).popReturning(f, live.ESP)
	if !ok {
		e.Logger().Error("leave without pending call",
			zap.String("function", f.FullName()),
			zap.Uint32("tid", tid),
			zap.Uint32("esp", live.ESP),
		)
		panic(fmt.Sprintf("hook: %s returned on thread %d with no pending call", f.FullName(), tid))
	}
	if err := memory.WriteUint32(mem, ctxAddr+x86.PushadSize, p.retAddr); err != nil {
		panic(fmt.Sprintf("hook: restore return address of %s: %v", f.FullName(), err))
	}
	e.stats.leaves.Add(1)
	for _, u := range unwound {
		e.stats.unwound.Add(1)
		e.Logger().Warn("call unwound without returning",
			zap.String("function", u.fn.FullName()),
			zap.Uint32("tid", tid),
			zap.String("returnAddress", hexAddr(uintptr(u.retAddr))),
		)
	}

	lastErr, err := memory.ReadUint32(mem, lastErrAddr)
	if err != nil {
		e.fault("read last error", f, err)
	}

	call := p.call
	call.state = StateLeaving
	call.leave = live
	// as the caller sees it, after the return address is popped
	call.leave.ESP = live.ESP + 4
	call.lastErrorLeave = lastErr

	before := live
	live, lastErr = e.invoke(p.fn, call, live, lastErr)
	e.writeBack(f, ctxAddr, lastErrAddr, &before, &live, call.lastErrorLeave, lastErr)
}

// invoke runs the handler with the live pointers set and returns the
// registers and last error as the handler left them.
func (e *Engine) invoke(f *Function, call *FunctionCall, live CpuContext, lastErr uint32) (CpuContext, uint32) {
	h := f.spec.Handler()
	if h == nil {
		return live, lastErr
	}
	call.live = &live
	call.lastErrorLive = &lastErr
	stack := e.threadStack(call.tid)
	stack.inHandler++
	defer func() {
		stack.inHandler--
		call.live = nil
		call.lastErrorLive = nil
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.stats.handlerPanics.Add(1)
				e.Logger().Error("handler panicked",
					zap.String("function", f.FullName()),
					zap.Stringer("state", call.state),
					zap.Any("panic", r),
				)
			}
		}()
		if ok := h.HandleCall(call); !ok {
			e.Logger().Debug("handler reported failure",
				zap.String("function", f.FullName()),
				zap.Stringer("state", call.state),
			)
		}
	}()
	return live, lastErr
}

func (e *Engine) writeBack(f *Function, ctxAddr, lastErrAddr uintptr, before, after *CpuContext, lastErrBefore, lastErrAfter uint32) {
	if *before != *after {
		if err := writeCpuContext(e.mem, ctxAddr, after); err != nil {
			e.fault("write context", f, err)
		}
	}
	if lastErrBefore != lastErrAfter {
		if err := memory.WriteUint32(e.mem, lastErrAddr, lastErrAfter); err != nil {
			e.fault("write last error", f, err)
		}
	}
}

// readArguments collects the argument block: ECX first for thiscall,
// then the stack arguments above the return address. A block that cannot
// be read is returned short.
func (e *Engine) readArguments(spec *FunctionSpec, ctx *CpuContext) []byte {
	var data []byte
	if spec.CallingConvention() == ConvThiscall {
		data = binary.LittleEndian.AppendUint32(data, ctx.ECX)
	}
	n, ok := spec.StackArgsSize()
	if !ok || n <= 0 {
		return data
	}
	buf := make([]byte, n)
	if err := e.mem.Read(uintptr(ctx.ESP)+4, buf); err != nil {
		return data
	}
	return append(data, buf...)
}

func (e *Engine) fault(what string, f *Function, err error) {
	e.stats.faults.Add(1)
	e.Logger().Warn(what+" failed", zap.String("function", f.FullName()), zap.Error(err))
}
