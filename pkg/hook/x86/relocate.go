// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package x86

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrUndecodable means the bytes do not form whole instructions.
	ErrUndecodable = errors.New("prologue does not decode to whole instructions")
	// ErrUnrelocatable means an instruction cannot run from another address,
	// typically a short branch that leaves the copied range.
	ErrUnrelocatable = errors.New("prologue instruction cannot be relocated")
)

// Relocate returns a copy of code, taken from address from, that behaves
// the same when executed at address to. Relative branches into the copied
// range are left alone; rel32 branches leaving it are re-targeted.
func Relocate(code []byte, from, to uintptr) ([]byte, error) {
	out := append([]byte(nil), code...)
	end := from + uintptr(len(code))

	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			return nil, fmt.Errorf("%w: offset %d: %v", ErrUndecodable, off, err)
		}
		// a cut-off instruction decodes as a 1-byte Op(0)
		if inst.Op == 0 || inst.Len <= 0 {
			return nil, fmt.Errorf("%w: offset %d: % X", ErrUndecodable, off, code[off:])
		}

		if inst.PCRel != 0 {
			rel, ok := relArg(inst)
			if !ok {
				return nil, fmt.Errorf("%w: %v at offset %d", ErrUnrelocatable, inst.Op, off)
			}
			next := from + uintptr(off+inst.Len)
			target := next + uintptr(int64(rel))
			if target < from || target > end {
				if inst.PCRel != 4 {
					return nil, fmt.Errorf("%w: %d-byte %v to %#x at offset %d",
						ErrUnrelocatable, inst.PCRel, inst.Op, target, off)
				}
				pos := off + inst.PCRelOff
				binary.LittleEndian.PutUint32(out[pos:], Rel32(to+uintptr(off), target, inst.Len))
			}
		}
		off += inst.Len
	}
	return out, nil
}

func relArg(inst x86asm.Inst) (x86asm.Rel, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return rel, true
		}
	}
	return 0, false
}
