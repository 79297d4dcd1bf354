// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !(windows && 386)

package hook

import (
	"fmt"
	"runtime"
)

type unsupportedGateway struct{}

// NativeGateway returns a gateway that refuses to hook: native gates need
// a 32-bit x86 Windows process.
func NativeGateway() Gateway { return unsupportedGateway{} }

func (unsupportedGateway) Slots() (uintptr, uintptr, error) {
	return 0, 0, fmt.Errorf("%w: %s/%s", ErrUnsupported, runtime.GOOS, runtime.GOARCH)
}

func (unsupportedGateway) ThreadID() uint32 { return 0 }
