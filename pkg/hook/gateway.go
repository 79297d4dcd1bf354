// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"sync"
	"sync/atomic"
)

// Gateway connects native thunks to Go.
type Gateway interface {
	// Slots returns the addresses of two 32-bit cells holding the native
	// entry points of the enter and leave gates. Thunks call through them
	// with `call [slot]`.
	Slots() (enter, leave uintptr, err error)

	// ThreadID identifies the calling native thread.
	ThreadID() uint32
}

// Native gates are process-wide, so hooked functions are found by the id
// their thunks push.
var (
	liveFunctions sync.Map // uint32 -> *Function
	nextID        atomic.Uint32
)

func registerFunction(f *Function) { liveFunctions.Store(f.id, f) }

func unregisterFunction(f *Function) { liveFunctions.Delete(f.id) }

func lookupFunction(id uint32) (*Function, bool) {
	v, ok := liveFunctions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Function), true
}

// dispatchEnter is the body of the native enter gate.
func dispatchEnter(id uint32, ctx, lastError uintptr) uintptr {
	f, ok := lookupFunction(id)
	if !ok {
		return actionCarryOn
	}
	e := f.engine
	return e.enter(f, e.gw.ThreadID(), ctx, lastError)
}

// dispatchLeave is the body of the native leave gate.
func dispatchLeave(id uint32, ctx, lastError uintptr) {
	f, ok := lookupFunction(id)
	if !ok {
		// The return address is lost; there is nowhere safe to go.
		panic("hook: leave gate called for unknown function")
	}
	e := f.engine
	e.leave(f, e.gw.ThreadID(), ctx, lastError)
}
