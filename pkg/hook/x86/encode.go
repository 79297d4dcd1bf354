// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package x86 emits the 32-bit x86 machine code the hook engine patches
// into a process: redirect stubs, enter/leave thunks and relocated copies
// of a function prologue.
package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// JmpRel32Size is the length of an E9 rel32 jump, the smallest redirect
// stub the engine writes over a function's first instructions.
const JmpRel32Size = 5

const (
	opJmpRel32 = 0xE9
	opInt3     = 0xCC
)

// ErrStubTooShort is returned when the patch window cannot hold a jump.
var ErrStubTooShort = errors.New("redirect stub needs at least 5 bytes")

// Rel32 is the displacement of a relative branch of length instLen placed
// at from and landing on to.
func Rel32(from, to uintptr, instLen int) uint32 {
	return uint32(to - (from + uintptr(instLen)))
}

// JmpRel32 encodes `jmp to` placed at from.
func JmpRel32(from, to uintptr) []byte {
	b := make([]byte, JmpRel32Size)
	b[0] = opJmpRel32
	binary.LittleEndian.PutUint32(b[1:], Rel32(from, to, JmpRel32Size))
	return b
}

// RedirectStub encodes a jump from from to to padded with INT3 up to
// length bytes, so a partially overwritten instruction never executes.
func RedirectStub(from, to uintptr, length int) ([]byte, error) {
	if length < JmpRel32Size {
		return nil, fmt.Errorf("%w: have %d", ErrStubTooShort, length)
	}
	b := make([]byte, length)
	copy(b, JmpRel32(from, to))
	for i := JmpRel32Size; i < length; i++ {
		b[i] = opInt3
	}
	return b, nil
}
