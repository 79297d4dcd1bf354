// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package x86

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestJmpRel32(t *testing.T) {
	got := JmpRel32(0x1000, 0x2000)
	want := []byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("JmpRel32 = % X, want % X", got, want)
	}

	// Backwards jumps wrap.
	got = JmpRel32(0x2000, 0x1000)
	if rel := int32(binary.LittleEndian.Uint32(got[1:])); rel != -0x1005 {
		t.Errorf("rel = %d, want %d", rel, -0x1005)
	}
}

func TestRedirectStub(t *testing.T) {
	stub, err := RedirectStub(0x401000, 0x10000000, 7)
	if err != nil {
		t.Fatalf("RedirectStub: %v", err)
	}
	if len(stub) != 7 {
		t.Fatalf("len = %d, want 7", len(stub))
	}
	if stub[0] != 0xE9 || stub[5] != 0xCC || stub[6] != 0xCC {
		t.Errorf("stub = % X", stub)
	}

	if _, err := RedirectStub(0x401000, 0x10000000, 4); !errors.Is(err, ErrStubTooShort) {
		t.Errorf("err = %v, want ErrStubTooShort", err)
	}
}

// stackEffect is the change to ESP made by one thunk instruction. The
// gate is stdcall with three arguments, so a call pops 12 bytes net.
func stackEffect(t *testing.T, inst x86asm.Inst) int {
	t.Helper()
	switch inst.Op {
	case x86asm.PUSHAD:
		return -PushadSize
	case x86asm.POPAD:
		return PushadSize
	case x86asm.PUSH:
		return -4
	case x86asm.POP:
		return 4
	case x86asm.CALL:
		return 12
	case x86asm.RET:
		n := 4
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			n += int(imm)
		}
		return n
	case x86asm.MOV, x86asm.LEA, x86asm.TEST, x86asm.JNE, x86asm.JMP:
		return 0
	}
	t.Fatalf("unexpected instruction %v", inst)
	return 0
}

// run decodes code from start until a JMP or RET and returns the net
// stack change and the final instruction.
func run(t *testing.T, code []byte, start int, takeBranch bool) (int, x86asm.Inst, int) {
	t.Helper()
	esp := 0
	for off := start; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			t.Fatalf("decode at %d: %v", off, err)
		}
		esp += stackEffect(t, inst)
		switch inst.Op {
		case x86asm.JMP, x86asm.RET:
			return esp, inst, off
		case x86asm.JNE:
			if takeBranch {
				off += inst.Len + int(inst.Args[0].(x86asm.Rel))
				continue
			}
		}
		off += inst.Len
	}
	t.Fatal("thunk fell off its end")
	return 0, x86asm.Inst{}, 0
}

func TestEnterThunkLayout(t *testing.T) {
	const base = 0x30000000
	p := EnterParams{ID: 7, Gate: 0x00C0FFEE, Resume: base + 0x60, Unwind: 12}
	code := EnterThunk(base, p)
	if len(code) != EnterThunkSize {
		t.Fatalf("len = %d, want %d", len(code), EnterThunkSize)
	}

	var ops []x86asm.Op
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			t.Fatalf("decode at %d: %v", off, err)
		}
		if inst.Op == x86asm.PUSH {
			if imm, ok := inst.Args[0].(x86asm.Imm); ok && uint32(imm) != p.ID {
				t.Errorf("pushed id = %d, want %d", imm, p.ID)
			}
		}
		if inst.Op == x86asm.CALL {
			mem, ok := inst.Args[0].(x86asm.Mem)
			if !ok || uintptr(mem.Disp) != p.Gate {
				t.Errorf("call operand = %v, want [%#x]", inst.Args[0], p.Gate)
			}
		}
		ops = append(ops, inst.Op)
		off += inst.Len
	}
	if ops[0] != x86asm.PUSHAD {
		t.Errorf("first op = %v, want PUSHAD", ops[0])
	}
	if code[enterSkipBranch] != 0x75 {
		t.Errorf("byte at skip branch = %#x, want jnz", code[enterSkipBranch])
	}
}

func TestEnterThunkCarryOnIsBalanced(t *testing.T) {
	const base = 0x30000000
	resume := uintptr(base + EnterThunkSize + LeaveThunkSize)
	code := EnterThunk(base, EnterParams{ID: 1, Gate: 0x1000, Resume: resume, Unwind: 8})

	esp, last, off := run(t, code, 0, false)
	if esp != 0 {
		t.Errorf("stack delta at resume = %d, want 0", esp)
	}
	if last.Op != x86asm.JMP {
		t.Fatalf("last op = %v, want JMP", last.Op)
	}
	target := uintptr(base+off+last.Len) + uintptr(int64(last.Args[0].(x86asm.Rel)))
	if target != resume {
		t.Errorf("resume target = %#x, want %#x", target, resume)
	}
}

func TestEnterThunkSkipUnwind(t *testing.T) {
	tests := []struct {
		name   string
		unwind uint16
	}{
		{"cdecl", 0},
		{"stdcall two args", 8},
		{"stdcall five args", 20},
		{"large frame", 0x104},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := EnterThunk(0x30000000, EnterParams{ID: 1, Gate: 0x1000, Resume: 0x30001000, Unwind: tt.unwind})
			esp, last, off := run(t, code, 0, true)
			if last.Op != x86asm.RET {
				t.Fatalf("last op = %v, want RET", last.Op)
			}
			if off != EnterSkipOffset+1 {
				t.Errorf("ret at %d, want %d", off, EnterSkipOffset+1)
			}
			// The caller's stack pointer advances past the return address
			// and exactly the callee-cleaned argument bytes.
			if want := 4 + int(tt.unwind); esp != want {
				t.Errorf("stack delta = %d, want %d", esp, want)
			}
		})
	}
}

func TestLeaveThunk(t *testing.T) {
	code := LeaveThunk(3, 0x2000)
	if len(code) != LeaveThunkSize {
		t.Fatalf("len = %d, want %d", len(code), LeaveThunkSize)
	}
	esp, last, _ := run(t, code, 0, false)
	if last.Op != x86asm.RET {
		t.Fatalf("last op = %v, want RET", last.Op)
	}
	// placeholder pushed then consumed by ret
	if esp != 0 {
		t.Errorf("stack delta = %d, want 0", esp)
	}
}

func TestRelocate(t *testing.T) {
	const from, to = 0x401000, 0x30000100

	t.Run("plain", func(t *testing.T) {
		code := []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC}
		got, err := Relocate(code, from, to)
		if err != nil {
			t.Fatalf("Relocate: %v", err)
		}
		if !bytes.Equal(got, code) {
			t.Errorf("got % X, want % X", got, code)
		}
	})

	t.Run("call rel32", func(t *testing.T) {
		code := []byte{0x55, 0xE8, 0x10, 0x00, 0x00, 0x00}
		got, err := Relocate(code, from, to)
		if err != nil {
			t.Fatalf("Relocate: %v", err)
		}
		inst, err := x86asm.Decode(got[1:], 32)
		if err != nil {
			t.Fatal(err)
		}
		target := uintptr(to+1+inst.Len) + uintptr(int64(inst.Args[0].(x86asm.Rel)))
		if want := uintptr(from + 6 + 0x10); target != want {
			t.Errorf("call target = %#x, want %#x", target, want)
		}
		if code[2] != 0x10 {
			t.Error("input was modified")
		}
	})

	t.Run("short jump inside", func(t *testing.T) {
		code := []byte{0x74, 0x02, 0x90, 0x90, 0x90}
		got, err := Relocate(code, from, to)
		if err != nil {
			t.Fatalf("Relocate: %v", err)
		}
		if !bytes.Equal(got, code) {
			t.Errorf("got % X, want % X", got, code)
		}
	})

	t.Run("short jump out", func(t *testing.T) {
		code := []byte{0x90, 0x90, 0x90, 0xEB, 0x10}
		if _, err := Relocate(code, from, to); !errors.Is(err, ErrUnrelocatable) {
			t.Errorf("err = %v, want ErrUnrelocatable", err)
		}
	})

	for _, tt := range []struct {
		name string
		code []byte
	}{
		{"truncated", []byte{0x55, 0xE8, 0x10, 0x00}},
		{"truncated mov", []byte{0x8B, 0xFF, 0x55, 0x8B}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got, err := Relocate(tt.code, from, to); !errors.Is(err, ErrUndecodable) {
				t.Errorf("Relocate = % X, %v, want ErrUndecodable", got, err)
			}
		})
	}
}
