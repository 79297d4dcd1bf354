// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"sync"

	"github.com/mbeema/intercept/pkg/memory"
)

// Trampoline is the executable block backing one hook:
//
//	Entry:  enter thunk
//	Leave:  leave thunk
//	Resume: relocated prologue, then a jump back past the patch
type Trampoline struct {
	Base   uintptr
	Size   int
	Entry  uintptr
	Leave  uintptr
	Resume uintptr
	ID     uint32

	// Original holds the PrefixLen bytes the redirect stub replaces.
	Original  []byte
	PrefixLen int

	mem     memory.Memory
	release sync.Once
	err     error
}

// Release frees the block. Only the first call has an effect.
func (t *Trampoline) Release() error {
	t.release.Do(func() {
		t.err = t.mem.Free(t.Base, t.Size)
	})
	return t.err
}
