// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/hook/x86"
	"github.com/mbeema/intercept/pkg/memory"
)

// Function is one native function that can be hooked. At most one
// Function may be hooked at a given address.
//
// Hooking is not synchronized with threads executing the target: a thread
// running inside the first PrefixLen bytes while the stub is written will
// fault. Hook functions before they are hot.
type Function struct {
	engine *Engine
	spec   *FunctionSpec
	offset uintptr
	parent string
	id     uint32

	// guarded by engine.mu
	trampoline *Trampoline
	oldProtect memory.Protection

	// leave thunk of the installed trampoline, read on the call path
	leaveAddr atomic.Uintptr
}

// NewFunction describes the function at offset.
func (e *Engine) NewFunction(spec *FunctionSpec, offset uintptr) *Function {
	return &Function{
		engine: e,
		spec:   spec,
		offset: offset,
		id:     nextID.Add(1),
	}
}

func (f *Function) Spec() *FunctionSpec { return f.spec }
func (f *Function) Offset() uintptr     { return f.offset }
func (f *Function) ID() uint32          { return f.id }

// ParentName is the module the function belongs to, if known.
func (f *Function) ParentName() string { return f.parent }

// SetParentName sets the module name used by FullName.
func (f *Function) SetParentName(name string) { f.parent = name }

// FullName is "module!name", or just the name without a module.
func (f *Function) FullName() string {
	name := ""
	if f.spec != nil {
		name = f.spec.Name()
	}
	if name == "" {
		name = hexAddr(f.offset)
	}
	if f.parent == "" {
		return name
	}
	return f.parent + "!" + name
}

// IsHooked reports whether the redirect stub is installed.
func (f *Function) IsHooked() bool {
	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	return f.trampoline != nil
}

// Trampoline returns the active trampoline, or nil when not hooked.
func (f *Function) Trampoline() *Trampoline {
	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	return f.trampoline
}

// CreateTrampoline builds the executable block for this function without
// touching the function itself. bytesToCopy is the number of prologue
// bytes to relocate; 0 asks the engine's signature provider. The caller
// owns the result and must Release it.
func (f *Function) CreateTrampoline(bytesToCopy int) (*Trampoline, error) {
	if f.spec == nil {
		return nil, ErrNoSpec
	}
	e := f.engine
	enterSlot, leaveSlot, err := e.gw.Slots()
	if err != nil {
		return nil, err
	}

	code, err := f.readPrologue(bytesToCopy)
	if err != nil {
		return nil, err
	}
	n := bytesToCopy
	if n == 0 {
		var ok bool
		if n, ok = e.sigs.MatchPrologue(code); !ok {
			return nil, fmt.Errorf("%w: %s at %s", ErrNoSafePrologue, f.FullName(), hexAddr(f.offset))
		}
	}
	if n < x86.JmpRel32Size || n > len(code) {
		return nil, fmt.Errorf("%w: %s: %d bytes", ErrPrologueTooShort, f.FullName(), n)
	}
	prefix := code[:n]

	size := x86.EnterThunkSize + x86.LeaveThunkSize + n + x86.JmpRel32Size
	base, err := e.mem.Alloc(size, memory.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("allocate trampoline: %w", err)
	}
	t := &Trampoline{
		Base:      base,
		Size:      size,
		Entry:     base,
		Leave:     base + x86.EnterThunkSize,
		Resume:    base + x86.EnterThunkSize + x86.LeaveThunkSize,
		ID:        f.id,
		Original:  append([]byte(nil), prefix...),
		PrefixLen: n,
		mem:       e.mem,
	}

	relocated, err := x86.Relocate(prefix, f.offset, t.Resume)
	if err != nil {
		t.Release()
		return nil, fmt.Errorf("%s: %w", f.FullName(), err)
	}

	unwind, _ := f.spec.UnwindSize()
	block := make([]byte, 0, size)
	block = append(block, x86.EnterThunk(t.Entry, x86.EnterParams{
		ID:     f.id,
		Gate:   enterSlot,
		Resume: t.Resume,
		Unwind: uint16(unwind),
	})...)
	block = append(block, x86.LeaveThunk(f.id, leaveSlot)...)
	block = append(block, relocated...)
	block = append(block, x86.JmpRel32(t.Resume+uintptr(n), f.offset+uintptr(n))...)

	if err := e.mem.Write(base, block); err != nil {
		t.Release()
		return nil, fmt.Errorf("write trampoline: %w", err)
	}
	if _, err := e.mem.Protect(base, size, memory.ReadExecute); err != nil {
		t.Release()
		return nil, fmt.Errorf("%w: trampoline: %w", ErrProtect, err)
	}
	if err := e.mem.FlushCode(base, size); err != nil {
		e.Logger().Debug("flush trampoline failed", zap.Error(err))
	}
	return t, nil
}

// readPrologue reads the bytes to examine. With an explicit count only
// those bytes are read; otherwise the full search window, shrinking it
// when the function sits near the end of its mapping.
func (f *Function) readPrologue(bytesToCopy int) ([]byte, error) {
	e := f.engine
	if bytesToCopy > 0 {
		buf := make([]byte, bytesToCopy)
		if err := e.mem.Read(f.offset, buf); err != nil {
			return nil, fmt.Errorf("read prologue of %s: %w", f.FullName(), err)
		}
		return buf, nil
	}
	var lastErr error
	for n := e.window; n >= x86.JmpRel32Size; n /= 2 {
		buf := make([]byte, n)
		if lastErr = e.mem.Read(f.offset, buf); lastErr == nil {
			return buf, nil
		}
	}
	return nil, fmt.Errorf("read prologue of %s: %w", f.FullName(), lastErr)
}

// Hook installs the redirect stub. Every step is undone if a later one
// fails, leaving the function unpatched.
func (f *Function) Hook() error {
	e := f.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	if f.trampoline != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyHooked, f.FullName())
	}
	if other, ok := e.hooked[f.offset]; ok {
		return fmt.Errorf("%w: %s owns %s", ErrAddressHooked, other.FullName(), hexAddr(f.offset))
	}

	t, err := f.CreateTrampoline(0)
	if err != nil {
		return err
	}
	n := t.PrefixLen
	stub, err := x86.RedirectStub(f.offset, t.Entry, n)
	if err != nil {
		t.Release()
		return err
	}

	old, err := e.mem.Protect(f.offset, n, memory.ReadWriteExecute)
	if err != nil {
		t.Release()
		return fmt.Errorf("%w: %s: %w", ErrProtect, f.FullName(), err)
	}

	// Calls may arrive as soon as the stub lands.
	f.leaveAddr.Store(t.Leave)
	registerFunction(f)
	if err := e.mem.Write(f.offset, stub); err != nil {
		unregisterFunction(f)
		f.leaveAddr.Store(0)
		e.mem.Protect(f.offset, n, old)
		t.Release()
		return fmt.Errorf("write redirect stub: %w", err)
	}
	if _, err := e.mem.Protect(f.offset, n, old); err != nil {
		e.mem.Write(f.offset, t.Original)
		unregisterFunction(f)
		f.leaveAddr.Store(0)
		t.Release()
		return fmt.Errorf("%w: restore %s: %w", ErrProtect, f.FullName(), err)
	}
	if err := e.mem.FlushCode(f.offset, n); err != nil {
		e.Logger().Debug("flush instruction cache failed", zap.Error(err))
	}

	f.trampoline = t
	f.oldProtect = old
	e.hooked[f.offset] = f

	e.Logger().Debug("function hooked",
		zap.String("function", f.FullName()),
		zap.String("address", hexAddr(f.offset)),
		zap.String("trampoline", hexAddr(t.Base)),
		zap.Int("prefixLen", n),
		zap.Stringer("convention", f.spec.CallingConvention()),
	)
	return nil
}

// UnHook restores the original bytes and protection and frees the
// trampoline. Calls still inside the function when UnHook runs will
// return into freed memory.
func (f *Function) UnHook() error {
	e := f.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return f.unhookLocked()
}

func (f *Function) unhookLocked() error {
	e := f.engine
	t := f.trampoline
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotHooked, f.FullName())
	}
	n := t.PrefixLen

	if _, err := e.mem.Protect(f.offset, n, memory.ReadWriteExecute); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProtect, f.FullName(), err)
	}
	if err := e.mem.Write(f.offset, t.Original); err != nil {
		e.mem.Protect(f.offset, n, f.oldProtect)
		return fmt.Errorf("restore original bytes: %w", err)
	}
	_, protErr := e.mem.Protect(f.offset, n, f.oldProtect)
	if err := e.mem.FlushCode(f.offset, n); err != nil {
		e.Logger().Debug("flush instruction cache failed", zap.Error(err))
	}

	unregisterFunction(f)
	f.leaveAddr.Store(0)
	delete(e.hooked, f.offset)
	f.trampoline = nil
	if err := t.Release(); err != nil {
		e.Logger().Warn("free trampoline failed", zap.String("function", f.FullName()), zap.Error(err))
	}

	e.Logger().Debug("function unhooked", zap.String("function", f.FullName()))
	if protErr != nil {
		return fmt.Errorf("%w: restore %s: %w", ErrProtect, f.FullName(), protErr)
	}
	return nil
}

func hexAddr(a uintptr) string {
	return fmt.Sprintf("0x%08x", a)
}
