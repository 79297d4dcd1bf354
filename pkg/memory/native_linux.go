// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package memory

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

type native struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

var nativeMemory = &native{regions: make(map[uintptr][]byte)}

// Native returns the memory of the current process.
func Native() Memory { return nativeMemory }

func (*native) Read(addr uintptr, buf []byte) error   { return nativeRead(addr, buf) }
func (*native) Write(addr uintptr, data []byte) error { return nativeWrite(addr, data) }

// Protect changes protection page-wise. mprotect does not report the old
// value, so it is taken from /proc/self/maps for the first page.
func (*native) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	mappings, err := ReadMappings(os.Getpid())
	if err != nil {
		return None, fmt.Errorf("read mappings: %w", err)
	}
	m, ok := FindMapping(mappings, uint64(addr))
	if !ok {
		return None, fmt.Errorf("%w: %#x is not mapped", ErrFault, addr)
	}

	pageSize := uintptr(unix.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	if err := unix.Mprotect(rawSlice(start, int(end-start)), toProt(prot)); err != nil {
		return None, fmt.Errorf("mprotect %#x-%#x: %w", start, end, err)
	}
	return m.Protection(), nil
}

func (n *native) Alloc(size int, prot Protection) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, size, toProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	n.mu.Lock()
	n.regions[addr] = b
	n.mu.Unlock()
	return addr, nil
}

func (n *native) Free(addr uintptr, _ int) error {
	n.mu.Lock()
	b, ok := n.regions[addr]
	delete(n.regions, addr)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, addr)
	}
	return unix.Munmap(b)
}

// FlushCode is a no-op: x86 keeps instruction caches coherent.
func (*native) FlushCode(uintptr, int) error { return nil }

func toProt(p Protection) int {
	prot := unix.PROT_NONE
	if p&Read != 0 {
		prot |= unix.PROT_READ
	}
	if p&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&Execute != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}
