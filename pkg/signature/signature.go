// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package signature recognizes function prologues so the hook engine only
// relocates whole instructions.
package signature

import (
	"fmt"
	"strconv"
	"strings"
)

// Signature is a byte pattern where some positions match any byte.
type Signature struct {
	pattern []byte
	mask    []bool // true = must match
}

// Parse reads a pattern such as "8B FF 55 8B EC" or "6A ?? 68 ?? ?? ?? ??".
func Parse(s string) (Signature, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Signature{}, fmt.Errorf("empty signature")
	}

	sig := Signature{
		pattern: make([]byte, len(fields)),
		mask:    make([]bool, len(fields)),
	}
	for i, f := range fields {
		if f == "??" || f == "?" {
			continue
		}
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Signature{}, fmt.Errorf("signature %q: bad byte %q at %d", s, f, i)
		}
		sig.pattern[i] = byte(b)
		sig.mask[i] = true
	}
	return sig, nil
}

// MustParse is Parse for patterns known at compile time.
func MustParse(s string) Signature {
	sig, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// Len returns the pattern length in bytes.
func (s Signature) Len() int { return len(s.pattern) }

// Match reports whether code starts with the pattern.
func (s Signature) Match(code []byte) bool {
	if len(code) < len(s.pattern) || len(s.pattern) == 0 {
		return false
	}
	for i, want := range s.pattern {
		if s.mask[i] && code[i] != want {
			return false
		}
	}
	return true
}

func (s Signature) String() string {
	parts := make([]string, len(s.pattern))
	for i, b := range s.pattern {
		if s.mask[i] {
			parts[i] = fmt.Sprintf("%02X", b)
		} else {
			parts[i] = "??"
		}
	}
	return strings.Join(parts, " ")
}
