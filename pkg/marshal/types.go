// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package marshal

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/mbeema/intercept/pkg/logtree"
)

// Integer is a fixed width integer.
type Integer struct {
	Bits   int // 8, 16, 32 or 64
	Signed bool
	Hex    bool
}

func (m Integer) Size() int { return m.Bits / 8 }

func (m Integer) value(data []byte) (uint64, bool) {
	if m.Size() <= 0 || len(data) < m.Size() {
		return 0, false
	}
	switch m.Bits {
	case 8:
		return uint64(data[0]), true
	case 16:
		return uint64(binary.LittleEndian.Uint16(data)), true
	case 32:
		return uint64(binary.LittleEndian.Uint32(data)), true
	case 64:
		return binary.LittleEndian.Uint64(data), true
	}
	return 0, false
}

func (m Integer) signed(v uint64) int64 {
	shift := 64 - uint(m.Bits)
	return int64(v<<shift) >> shift
}

func (m Integer) ToInt(data []byte) (int, bool) {
	v, ok := m.value(data)
	if !ok {
		return 0, false
	}
	if m.Signed {
		return int(m.signed(v)), true
	}
	return int(v), true
}

func (m Integer) ToString(data []byte, _ bool, _ PropertyProvider) string {
	v, ok := m.value(data)
	switch {
	case !ok:
		return Unavailable
	case m.Hex:
		return fmt.Sprintf("0x%0*x", m.Bits/4, v)
	case m.Signed:
		return strconv.FormatInt(m.signed(v), 10)
	}
	return strconv.FormatUint(v, 10)
}

func (m Integer) ToNode(data []byte, deep bool, props PropertyProvider) *logtree.Node {
	return logtree.Text(m.name(), m.ToString(data, deep, props))
}

func (m Integer) name() string {
	if m.Signed {
		return "Int" + strconv.Itoa(m.Bits)
	}
	return "UInt" + strconv.Itoa(m.Bits)
}

// Bool is a 32-bit Win32 BOOL.
type Bool struct{}

func (Bool) Size() int { return 4 }

func (Bool) ToInt(data []byte) (int, bool) {
	v, ok := le32(data)
	return int(int32(v)), ok
}

func (Bool) ToString(data []byte, _ bool, _ PropertyProvider) string {
	v, ok := le32(data)
	if !ok {
		return Unavailable
	}
	if v != 0 {
		return "TRUE"
	}
	return "FALSE"
}

func (b Bool) ToNode(data []byte, deep bool, props PropertyProvider) *logtree.Node {
	return logtree.Text("Boolean", b.ToString(data, deep, props))
}

// Enum is a 32-bit value with symbolic names.
type Enum struct {
	Values map[int]string
}

func (Enum) Size() int { return 4 }

func (Enum) ToInt(data []byte) (int, bool) {
	v, ok := le32(data)
	return int(int32(v)), ok
}

func (m Enum) ToString(data []byte, _ bool, _ PropertyProvider) string {
	v, ok := m.ToInt(data)
	if !ok {
		return Unavailable
	}
	if name, ok := m.Values[v]; ok {
		return name
	}
	return strconv.Itoa(v)
}

func (m Enum) ToNode(data []byte, deep bool, props PropertyProvider) *logtree.Node {
	v, _ := m.ToInt(data)
	return logtree.Text("Enum", m.ToString(data, deep, props)).SetAttr("value", strconv.Itoa(v))
}
