// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows && 386

package hook

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	gateOnce  sync.Once
	enterGate uintptr
	leaveGate uintptr
)

type nativeGateway struct{}

// NativeGateway returns the gateway backed by syscall.NewCallback.
func NativeGateway() Gateway { return nativeGateway{} }

func (nativeGateway) Slots() (uintptr, uintptr, error) {
	gateOnce.Do(func() {
		enterGate = syscall.NewCallback(nativeEnter)
		leaveGate = syscall.NewCallback(nativeLeave)
	})
	return uintptr(unsafe.Pointer(&enterGate)), uintptr(unsafe.Pointer(&leaveGate)), nil
}

func (nativeGateway) ThreadID() uint32 { return windows.GetCurrentThreadId() }

// Callbacks are stdcall on windows/386 and pop their three arguments.
func nativeEnter(id, ctx, lastError uintptr) uintptr {
	return dispatchEnter(uint32(id), ctx, lastError)
}

func nativeLeave(id, ctx, lastError uintptr) uintptr {
	dispatchLeave(uint32(id), ctx, lastError)
	return 0
}
