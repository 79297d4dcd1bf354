// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package marshal turns raw argument bytes captured from an intercepted
// call into text, output nodes and integers.
package marshal

import (
	"encoding/binary"

	"github.com/mbeema/intercept/pkg/logtree"
)

// Unavailable is printed for values that could not be read.
const Unavailable = "<unavailable>"

// PropertyProvider answers named integer queries about the call being
// formatted, such as the value of another argument or a register.
type PropertyProvider interface {
	QueryForProperty(name string) (int, bool)
}

// Marshaller interprets the bytes of one value.
type Marshaller interface {
	// Size is the number of bytes the value occupies in an argument block.
	Size() int

	// ToString formats data. deep follows pointers into process memory.
	ToString(data []byte, deep bool, props PropertyProvider) string

	// ToNode is ToString as an output node.
	ToNode(data []byte, deep bool, props PropertyProvider) *logtree.Node

	// ToInt interprets data as an integer.
	ToInt(data []byte) (int, bool)
}

func le32(data []byte) (uint32, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}
