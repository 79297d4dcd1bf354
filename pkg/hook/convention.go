// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"strings"
)

// CallingConvention says who cleans the argument block and where the
// first argument lives.
type CallingConvention int

const (
	ConvUnknown CallingConvention = iota
	ConvStdcall
	ConvThiscall
	ConvCdecl
)

func (c CallingConvention) String() string {
	switch c {
	case ConvStdcall:
		return "stdcall"
	case ConvThiscall:
		return "thiscall"
	case ConvCdecl:
		return "cdecl"
	}
	return "unknown"
}

// CalleeCleans reports whether the function pops its own stack arguments.
func (c CallingConvention) CalleeCleans() bool {
	return c == ConvStdcall || c == ConvThiscall
}

// ParseCallingConvention accepts the names String returns plus the
// common compiler spellings (__stdcall, winapi, ...).
func ParseCallingConvention(s string) (CallingConvention, error) {
	switch strings.TrimLeft(strings.ToLower(strings.TrimSpace(s)), "_") {
	case "", "unknown":
		return ConvUnknown, nil
	case "stdcall", "winapi", "callback", "pascal":
		return ConvStdcall, nil
	case "thiscall":
		return ConvThiscall, nil
	case "cdecl", "c":
		return ConvCdecl, nil
	}
	return ConvUnknown, fmt.Errorf("unknown calling convention %q", s)
}
