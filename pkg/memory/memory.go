// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package memory gives the hook engine access to live process memory:
// reading and writing code and stack bytes, changing page protection and
// allocating executable regions for trampolines.
package memory

import (
	"encoding/binary"
	"errors"
	"strings"
)

var (
	// ErrFault means the address range is not accessible.
	ErrFault = errors.New("memory fault")
	// ErrUnsupported means the platform has no native memory backend.
	ErrUnsupported = errors.New("memory access unsupported on this platform")
	// ErrNotAllocated means Free was called on an address Alloc did not return.
	ErrNotAllocated = errors.New("address was not allocated")
)

// Protection is a platform neutral set of page access rights.
type Protection uint32

const (
	Read Protection = 1 << iota
	Write
	Execute
	CopyOnWrite
	Guard
	NoCache
)

const (
	None             Protection = 0
	ReadWrite                   = Read | Write
	ReadExecute                 = Read | Execute
	ReadWriteExecute            = Read | Write | Execute
)

func (p Protection) String() string {
	var sb strings.Builder
	flag := func(set Protection, c byte) {
		if p&set != 0 {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('-')
		}
	}
	flag(Read, 'r')
	flag(Write, 'w')
	flag(Execute, 'x')
	if p&CopyOnWrite != 0 {
		sb.WriteString("+cow")
	}
	if p&Guard != 0 {
		sb.WriteString("+guard")
	}
	if p&NoCache != 0 {
		sb.WriteString("+nocache")
	}
	return sb.String()
}

// Reader reads raw bytes from an address.
type Reader interface {
	Read(addr uintptr, buf []byte) error
}

// Memory is the engine's view of process memory.
type Memory interface {
	Reader

	// Write copies data to addr. The pages must already be writable.
	Write(addr uintptr, data []byte) error

	// Protect changes the protection of the pages covering
	// [addr, addr+size) and returns the protection they had before.
	Protect(addr uintptr, size int, prot Protection) (Protection, error)

	// Alloc reserves and commits a fresh region of at least size bytes.
	Alloc(size int, prot Protection) (uintptr, error)

	// Free releases a region returned by Alloc.
	Free(addr uintptr, size int) error

	// FlushCode makes freshly written instructions visible to the CPU.
	FlushCode(addr uintptr, size int) error
}

// ReadUint32 reads a little-endian 32-bit value.
func ReadUint32(r Reader, addr uintptr) (uint32, error) {
	var buf [4]byte
	if err := r.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes a little-endian 32-bit value.
func WriteUint32(m Memory, addr uintptr, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return m.Write(addr, buf[:])
}
