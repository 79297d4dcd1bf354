// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package signature

import (
	"golang.org/x/arch/x86/x86asm"
)

// Decoder walks whole 32-bit instructions until at least MinBytes are
// covered. It fails when an instruction cannot be decoded, when the walk
// leaves the search window, or when control flow ends before MinBytes
// (the bytes after it belong to something else).
type Decoder struct {
	MinBytes int
	Window   int
}

// NewDecoder returns a decoder that certifies at least min bytes within a
// window of the given size.
func NewDecoder(min, window int) *Decoder {
	return &Decoder{MinBytes: min, Window: window}
}

func (d *Decoder) MatchPrologue(code []byte) (int, bool) {
	window := d.Window
	if window <= 0 || window > len(code) {
		window = len(code)
	}

	total := 0
	for total < d.MinBytes {
		if total >= window {
			return 0, false
		}
		inst, err := x86asm.Decode(code[total:window], 32)
		if err != nil || inst.Op == 0 || inst.Len <= 0 {
			return 0, false
		}
		total += inst.Len
		if total > window {
			return 0, false
		}
		if endsFlow(inst) && total < d.MinBytes {
			return 0, false
		}
	}
	return total, true
}

func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.INT, x86asm.IRET, x86asm.IRETD:
		return true
	}
	return false
}
