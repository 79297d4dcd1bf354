// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package memory

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var procFlushInstructionCache = windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushInstructionCache")

type native struct{}

// Native returns the memory of the current process.
func Native() Memory { return native{} }

func (native) Read(addr uintptr, buf []byte) error   { return nativeRead(addr, buf) }
func (native) Write(addr uintptr, data []byte) error { return nativeWrite(addr, data) }

func (native) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), toPageFlags(prot), &old); err != nil {
		return None, fmt.Errorf("VirtualProtect %#x+%d: %w", addr, size, err)
	}
	return fromPageFlags(old), nil
}

func (native) Alloc(size int, prot Protection) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, toPageFlags(prot))
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("VirtualAlloc %d bytes: %w", size, err)
	}
	return addr, nil
}

func (native) Free(addr uintptr, _ int) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("VirtualFree %#x: %w", addr, err)
	}
	return nil
}

func (native) FlushCode(addr uintptr, size int) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(size))
	if r == 0 {
		return fmt.Errorf("FlushInstructionCache: %w", err)
	}
	return nil
}

func toPageFlags(p Protection) uint32 {
	var flags uint32
	switch p & (Read | Write | Execute | CopyOnWrite) {
	case None:
		flags = windows.PAGE_NOACCESS
	case Read:
		flags = windows.PAGE_READONLY
	case Read | Write, Write:
		flags = windows.PAGE_READWRITE
	case Read | CopyOnWrite, Read | Write | CopyOnWrite:
		flags = windows.PAGE_WRITECOPY
	case Execute:
		flags = windows.PAGE_EXECUTE
	case Read | Execute:
		flags = windows.PAGE_EXECUTE_READ
	case Read | Write | Execute, Write | Execute:
		flags = windows.PAGE_EXECUTE_READWRITE
	default:
		flags = windows.PAGE_EXECUTE_WRITECOPY
	}
	if p&Guard != 0 {
		flags |= windows.PAGE_GUARD
	}
	if p&NoCache != 0 {
		flags |= windows.PAGE_NOCACHE
	}
	return flags
}

func fromPageFlags(flags uint32) Protection {
	var p Protection
	switch flags &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE) {
	case windows.PAGE_READONLY:
		p = Read
	case windows.PAGE_READWRITE:
		p = Read | Write
	case windows.PAGE_WRITECOPY:
		p = Read | Write | CopyOnWrite
	case windows.PAGE_EXECUTE:
		p = Execute
	case windows.PAGE_EXECUTE_READ:
		p = Read | Execute
	case windows.PAGE_EXECUTE_READWRITE:
		p = Read | Write | Execute
	case windows.PAGE_EXECUTE_WRITECOPY:
		p = Read | Write | Execute | CopyOnWrite
	}
	if flags&windows.PAGE_GUARD != 0 {
		p |= Guard
	}
	if flags&windows.PAGE_NOCACHE != 0 {
		p |= NoCache
	}
	return p
}
