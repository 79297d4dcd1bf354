// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows && !linux

package memory

type native struct{}

// Native returns a backend that reads and writes but cannot change
// protection or allocate.
func Native() Memory { return native{} }

func (native) Read(addr uintptr, buf []byte) error   { return nativeRead(addr, buf) }
func (native) Write(addr uintptr, data []byte) error { return nativeWrite(addr, data) }

func (native) Protect(uintptr, int, Protection) (Protection, error) { return None, ErrUnsupported }
func (native) Alloc(int, Protection) (uintptr, error)               { return 0, ErrUnsupported }
func (native) Free(uintptr, int) error                              { return ErrUnsupported }
func (native) FlushCode(uintptr, int) error                         { return nil }
