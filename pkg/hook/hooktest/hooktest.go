// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hooktest runs hooked calls against simulated memory, so code
// built on the hook engine can be tested on any platform.
package hooktest

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/hook"
	"github.com/mbeema/intercept/pkg/memory"
)

const (
	enterSlot = 0x7ff00000
	leaveSlot = 0x7ff00004

	stackBase = 0x00100000
	stackSize = 0x4000
	pushadLen = 32
)

// Gateway hands out fixed gate slots. ThreadID is unused by Harness,
// which names the thread on every call.
type Gateway struct{}

func (Gateway) Slots() (uintptr, uintptr, error) { return enterSlot, leaveSlot, nil }
func (Gateway) ThreadID() uint32                 { return 1 }

// HotpatchCode returns a function body with the common hot-patchable
// prologue (mov edi,edi; push ebp; mov ebp,esp), padded to n bytes.
func HotpatchCode(n int) []byte {
	code := []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x10, 0x8B, 0x45, 0x08, 0xC9, 0xC2, 0x08, 0x00}
	for len(code) < n {
		code = append(code, 0xCC)
	}
	return code
}

// Harness owns a simulated address space and an engine patching it.
type Harness struct {
	Sim    *memory.Sim
	Engine *hook.Engine

	mu     sync.Mutex
	stacks map[uint32]uintptr
	// stack tops of calls made from inside a Body, per thread
	nested map[uint32][]uintptr
}

// New creates an initialized engine over a fresh simulated address space.
func New(logger *zap.Logger) (*Harness, error) {
	sim := memory.NewSim()
	e := hook.NewEngine(hook.Options{Memory: sim, Gateway: Gateway{}, Logger: logger})
	if err := e.Initialize(); err != nil {
		return nil, err
	}
	return &Harness{Sim: sim, Engine: e, stacks: make(map[uint32]uintptr), nested: make(map[uint32][]uintptr)}, nil
}

// MapFunction places a hot-patchable function body at addr.
func (h *Harness) MapFunction(addr uintptr) {
	h.Sim.Map(addr, HotpatchCode(64), memory.ReadExecute)
}

// MapData places writable data at addr, for pointer arguments.
func (h *Harness) MapData(addr uintptr, data []byte) {
	h.Sim.Map(addr, data, memory.ReadWrite)
}

func (h *Harness) stackTop(tid uint32) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if top, ok := h.stacks[tid]; ok {
		return top
	}
	base := uintptr(stackBase + len(h.stacks)*2*stackSize)
	h.Sim.Map(base, make([]byte, stackSize), memory.ReadWrite)
	top := base + stackSize
	h.stacks[tid] = top
	return top
}

// Call describes one simulated call.
type Call struct {
	TID       uint32
	Return    uint32   // caller's return address
	Args      []uint32 // stack arguments, first argument first
	Regs      hook.CpuContext
	LastError uint32

	// Body stands in for the original function. It receives the registers
	// as the enter handler left them and returns them as the function
	// would. nil returns them unchanged.
	Body func(regs hook.CpuContext, lastError uint32) (hook.CpuContext, uint32)
}

// Result is the state the caller observes after the call returns.
type Result struct {
	Skipped   bool
	Regs      hook.CpuContext
	LastError uint32
	// Return is where the leave thunk sends execution; it must equal
	// Call.Return. Zero when the original was skipped.
	Return uint32
}

// Run performs the call on a stack owned by c.TID. Calls on the same
// thread nest through Body or from inside a handler.
func (h *Harness) Run(f *hook.Function, c Call) (Result, error) {
	mem := h.Sim
	top := h.stackTop(c.TID)

	// caller: arguments right to left, then the return address
	sp := top - uintptr(4*len(c.Args)) - 4
	if nested, ok := h.nestedTop(c.TID); ok {
		sp = nested - uintptr(4*len(c.Args)) - 4
	}
	for i, a := range c.Args {
		if err := memory.WriteUint32(mem, sp+4+uintptr(4*i), a); err != nil {
			return Result{}, err
		}
	}
	if err := memory.WriteUint32(mem, sp, c.Return); err != nil {
		return Result{}, err
	}

	regs := c.Regs
	regs.ESP = uint32(sp)
	ctx, lastErrAddr, err := h.layout(sp, regs, c.LastError)
	if err != nil {
		return Result{}, err
	}

	// calls made by handlers go below the thunk's saves
	h.pushNested(c.TID, lastErrAddr)
	skipped := h.Engine.Enter(f, c.TID, ctx, lastErrAddr)
	h.popNested(c.TID)
	regs, lastErr, err := h.readBack(ctx, lastErrAddr)
	if err != nil {
		return Result{}, err
	}
	if skipped {
		return Result{Skipped: true, Regs: regs, LastError: lastErr}, nil
	}

	unwind, _ := f.Spec().UnwindSize()
	retSP := sp + 4 + uintptr(unwind)
	ret, err := memory.ReadUint32(mem, sp)
	if err != nil {
		return Result{}, err
	}
	runBody := func() {
		if c.Body != nil {
			h.pushNested(c.TID, lastErrAddr)
			regs, lastErr = c.Body(regs, lastErr)
			h.popNested(c.TID)
		}
	}
	if ret == c.Return {
		// not redirected: the function returns straight to the caller
		runBody()
		regs.ESP = uint32(retSP)
		return Result{Regs: regs, LastError: lastErr, Return: ret}, nil
	}
	runBody()

	// the function returned through the hijacked return address
	slot := retSP - 4
	regs.ESP = uint32(slot)
	ctx, lastErrAddr, err = h.layout(slot, regs, lastErr)
	if err != nil {
		return Result{}, err
	}
	h.pushNested(c.TID, lastErrAddr)
	h.Engine.Leave(f, c.TID, ctx, lastErrAddr)
	h.popNested(c.TID)

	regs, lastErr, err = h.readBack(ctx, lastErrAddr)
	if err != nil {
		return Result{}, err
	}
	ret, err = memory.ReadUint32(mem, slot)
	if err != nil {
		return Result{}, err
	}
	regs.ESP = uint32(retSP)
	return Result{Regs: regs, LastError: lastErr, Return: ret}, nil
}

func (h *Harness) nestedTop(tid uint32) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tops := h.nested[tid]
	if len(tops) == 0 {
		return 0, false
	}
	return tops[len(tops)-1], true
}

func (h *Harness) pushNested(tid uint32, top uintptr) {
	h.mu.Lock()
	h.nested[tid] = append(h.nested[tid], top)
	h.mu.Unlock()
}

func (h *Harness) popNested(tid uint32) {
	h.mu.Lock()
	tops := h.nested[tid]
	h.nested[tid] = tops[:len(tops)-1]
	h.mu.Unlock()
}

// layout writes the thunk's saves under sp: PUSHAD, then the last error.
func (h *Harness) layout(sp uintptr, regs hook.CpuContext, lastErr uint32) (ctx, lastErrAddr uintptr, err error) {
	ctx = sp - pushadLen
	if err := h.Sim.Write(ctx, marshalRegs(regs)); err != nil {
		return 0, 0, fmt.Errorf("write registers: %w", err)
	}
	lastErrAddr = ctx - 4
	if err := memory.WriteUint32(h.Sim, lastErrAddr, lastErr); err != nil {
		return 0, 0, fmt.Errorf("write last error: %w", err)
	}
	return ctx, lastErrAddr, nil
}

func (h *Harness) readBack(ctx, lastErrAddr uintptr) (hook.CpuContext, uint32, error) {
	var buf [pushadLen]byte
	if err := h.Sim.Read(ctx, buf[:]); err != nil {
		return hook.CpuContext{}, 0, err
	}
	var regs hook.CpuContext
	for i, name := range hook.RegisterNames {
		regs.SetRegister(name, binary.LittleEndian.Uint32(buf[i*4:]))
	}
	lastErr, err := memory.ReadUint32(h.Sim, lastErrAddr)
	return regs, lastErr, err
}

func marshalRegs(regs hook.CpuContext) []byte {
	buf := make([]byte, 0, pushadLen)
	for _, name := range hook.RegisterNames {
		v, _ := regs.Register(name)
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return buf
}
