// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memory

import (
	"fmt"
	"runtime/debug"
	"unsafe"
)

// rawSlice views native memory that is not owned by the Go heap.
func rawSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// safeCopy copies between native ranges and turns an access violation
// into ErrFault instead of crashing the process.
func safeCopy(dst, src []byte) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFault, r)
		}
	}()
	copy(dst, src)
	return nil
}

func nativeRead(addr uintptr, buf []byte) error {
	if addr == 0 {
		return fmt.Errorf("%w: null address", ErrFault)
	}
	if len(buf) == 0 {
		return nil
	}
	return safeCopy(buf, rawSlice(addr, len(buf)))
}

func nativeWrite(addr uintptr, data []byte) error {
	if addr == 0 {
		return fmt.Errorf("%w: null address", ErrFault)
	}
	if len(data) == 0 {
		return nil
	}
	return safeCopy(rawSlice(addr, len(data)), data)
}
