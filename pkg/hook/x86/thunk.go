// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package x86

import "encoding/binary"

// Register block written by PUSHAD, lowest address first. The Go side of
// the transition reads it as a CpuContext.
const (
	PushadSize = 32

	// LastErrorOffset is the offset of the Win32 last-error value in the
	// thread information block (fs:[0x34]).
	LastErrorOffset = 0x34
)

// Sizes of the emitted thunks. Both are fixed so a trampoline layout can
// be computed before any code is generated.
const (
	EnterThunkSize = 47
	LeaveThunkSize = 36
)

// Offsets inside the enter thunk, exported for tests and diagnostics.
const (
	enterSkipBranch = 35 // jnz skip
	enterResumeJmp  = 38 // jmp relocated prefix
	EnterSkipOffset = 43 // popad; ret n
)

// EnterParams describes one enter thunk.
type EnterParams struct {
	// ID is pushed as the first gate argument and names the hooked function.
	ID uint32
	// Gate is the address of a 32-bit slot holding the enter gate's entry.
	Gate uintptr
	// Resume is where execution continues when the gate returns 0: the
	// relocated copy of the function's prologue.
	Resume uintptr
	// Unwind is the number of argument bytes popped when the gate asks to
	// skip the original function.
	Unwind uint16
}

// EnterThunk emits the code the redirect stub jumps to. It saves all
// general registers and the thread's last error, calls
//
//	gate(id, *CpuContext, *lastError) uint32   // stdcall
//
// and restores both. A zero result resumes the original function, any
// other value returns straight to the caller with `ret Unwind`.
func EnterThunk(base uintptr, p EnterParams) []byte {
	b := make([]byte, 0, EnterThunkSize)
	b = appendSaveAndCall(b, p.ID, p.Gate)
	b = append(b,
		0x85, 0xC0, // test eax, eax
		0x75, 0x06, // jnz skip
		0x61, // popad
	)
	b = append(b, JmpRel32(base+enterResumeJmp, p.Resume)...)
	b = append(b, 0x61) // skip: popad
	if p.Unwind == 0 {
		b = append(b, 0xC3, opInt3, opInt3)
	} else {
		b = append(b, 0xC2, byte(p.Unwind), byte(p.Unwind>>8))
	}
	return b
}

// LeaveThunk emits the code a hooked function returns into. It reserves a
// slot for the real return address, saves registers and last error, calls
//
//	gate(id, *CpuContext, *lastError)   // stdcall
//
// which fills the slot at CpuContext+PushadSize, and returns through it.
func LeaveThunk(id uint32, gate uintptr) []byte {
	b := make([]byte, 0, LeaveThunkSize)
	b = append(b, 0x50) // push eax (placeholder)
	b = appendSaveAndCall(b, id, gate)
	b = append(b,
		0x61, // popad
		0xC3, // ret
	)
	return b
}

func appendSaveAndCall(b []byte, id uint32, gate uintptr) []byte {
	b = append(b,
		0x60,                                       // pushad
		0x64, 0xFF, 0x35, LastErrorOffset, 0, 0, 0, // push dword fs:[0x34]
		0x89, 0xE0, // mov eax, esp
		0x8D, 0x48, 0x04, // lea ecx, [eax+4]
		0x50, // push eax
		0x51, // push ecx
		0x68, // push imm32
	)
	b = binary.LittleEndian.AppendUint32(b, id)
	b = append(b, 0xFF, 0x15) // call dword [gate]
	b = binary.LittleEndian.AppendUint32(b, uint32(gate))
	b = append(b, 0x64, 0x8F, 0x05, LastErrorOffset, 0, 0, 0) // pop dword fs:[0x34]
	return b
}
