// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "errors"

var (
	ErrNotInitialized   = errors.New("hook engine not initialized")
	ErrAlreadyHooked    = errors.New("function already hooked")
	ErrAddressHooked    = errors.New("address already hooked by another function")
	ErrNotHooked        = errors.New("function not hooked")
	ErrNoSafePrologue   = errors.New("no known safe prologue at function start")
	ErrPrologueTooShort = errors.New("prologue too short for a redirect stub")
	ErrUnsupported      = errors.New("function hooking unsupported on this platform")
	ErrProtect          = errors.New("changing memory protection failed")
	ErrNoSpec           = errors.New("function has no spec")
)
