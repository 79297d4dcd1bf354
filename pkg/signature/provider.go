// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package signature

import (
	"fmt"
	"strconv"
	"strings"
)

// Provider decides how many leading bytes of a function can be relocated.
type Provider interface {
	// MatchPrologue returns the number of bytes that end on an instruction
	// boundary, or false when no safe boundary was found.
	MatchPrologue(code []byte) (int, bool)
}

// PrologueSpec pairs a known prologue shape with the byte count to copy.
type PrologueSpec struct {
	Name        string
	Sig         Signature
	BytesToCopy int
}

// ParsePrologueSpec reads "name=PATTERN:count", e.g.
// "hotpatch=8B FF 55 8B EC:5".
func ParsePrologueSpec(s string) (PrologueSpec, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok {
		rest, name = name, ""
	}
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return PrologueSpec{}, fmt.Errorf("prologue %q: missing byte count", s)
	}
	sig, err := Parse(rest[:idx])
	if err != nil {
		return PrologueSpec{}, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest[idx+1:]))
	if err != nil || n <= 0 || n > sig.Len() {
		return PrologueSpec{}, fmt.Errorf("prologue %q: byte count must be 1..%d", s, sig.Len())
	}
	return PrologueSpec{Name: strings.TrimSpace(name), Sig: sig, BytesToCopy: n}, nil
}

// Table matches prologues in order; the first hit wins.
type Table []PrologueSpec

func (t Table) MatchPrologue(code []byte) (int, bool) {
	for _, spec := range t {
		if spec.Sig.Match(code) {
			return spec.BytesToCopy, true
		}
	}
	return 0, false
}

// DefaultPrologues covers the common 32-bit compiler prologues.
func DefaultPrologues() Table {
	return Table{
		// mov edi, edi; push ebp; mov ebp, esp
		{Name: "hotpatch", Sig: MustParse("8B FF 55 8B EC"), BytesToCopy: 5},
		// push ebp; mov ebp, esp; sub esp, imm8
		{Name: "frame-sub8", Sig: MustParse("55 8B EC 83 EC ??"), BytesToCopy: 6},
		// push ebp; mov ebp, esp; sub esp, imm32
		{Name: "frame-sub32", Sig: MustParse("55 8B EC 81 EC ?? ?? ?? ??"), BytesToCopy: 9},
		// push ebp; mov ebp, esp; push -1
		{Name: "frame-seh", Sig: MustParse("55 8B EC 6A FF"), BytesToCopy: 5},
		// push ebp; mov ebp, esp; push esi; push edi
		{Name: "frame-push2", Sig: MustParse("55 8B EC 56 57"), BytesToCopy: 5},
		// push imm8; push imm32 (SEH frame setup)
		{Name: "seh-prolog", Sig: MustParse("6A ?? 68 ?? ?? ?? ??"), BytesToCopy: 7},
		// gcc: push ebp; mov ebp, esp; sub esp, imm8
		{Name: "gcc-frame-sub8", Sig: MustParse("55 89 E5 83 EC ??"), BytesToCopy: 6},
		// gcc: push ebp; mov ebp, esp; push edi; push esi
		{Name: "gcc-frame-push2", Sig: MustParse("55 89 E5 57 56"), BytesToCopy: 5},
		// mov eax, [esp+imm8]; push ebx
		{Name: "esp-load", Sig: MustParse("8B 44 24 ?? 53"), BytesToCopy: 5},
	}
}

// Chain asks each provider in turn.
type Chain []Provider

func (c Chain) MatchPrologue(code []byte) (int, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if n, ok := p.MatchPrologue(code); ok {
			return n, true
		}
	}
	return 0, false
}
