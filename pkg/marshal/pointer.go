// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package marshal

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"unicode/utf16"

	"github.com/mbeema/intercept/pkg/logtree"
	"github.com/mbeema/intercept/pkg/memory"
)

// DefaultMaxRead bounds how much memory a deep format follows.
const DefaultMaxRead = 256

func formatPointer(addr uint32) string {
	if addr == 0 {
		return "NULL"
	}
	return fmt.Sprintf("0x%08x", addr)
}

// Pointer is a 32-bit pointer, optionally to a value of type Elem.
type Pointer struct {
	Elem Marshaller
	Mem  memory.Reader
}

func (Pointer) Size() int { return 4 }

func (Pointer) ToInt(data []byte) (int, bool) {
	v, ok := le32(data)
	return int(v), ok
}

func (m Pointer) target(data []byte, deep bool) (uint32, []byte, bool) {
	addr, ok := le32(data)
	if !ok || !deep || addr == 0 || m.Elem == nil || m.Mem == nil {
		return addr, nil, false
	}
	buf := make([]byte, m.Elem.Size())
	if err := m.Mem.Read(uintptr(addr), buf); err != nil {
		return addr, nil, false
	}
	return addr, buf, true
}

func (m Pointer) ToString(data []byte, deep bool, props PropertyProvider) string {
	if len(data) < 4 {
		return Unavailable
	}
	addr, elem, ok := m.target(data, deep)
	if !ok {
		return formatPointer(addr)
	}
	return formatPointer(addr) + " -> " + m.Elem.ToString(elem, deep, props)
}

func (m Pointer) ToNode(data []byte, deep bool, props PropertyProvider) *logtree.Node {
	addr, elem, ok := m.target(data, deep)
	n := logtree.New("Pointer")
	if len(data) < 4 {
		n.Content = Unavailable
		return n
	}
	n.SetAttr("value", formatPointer(addr))
	if ok {
		n.AppendChild(m.Elem.ToNode(elem, deep, props))
	}
	return n
}

// ByteArray is a pointer to a buffer whose length is fixed or taken from
// a named property of the call, usually another argument.
type ByteArray struct {
	Mem        memory.Reader
	Length     int
	LengthFrom string
	Max        int
}

func (ByteArray) Size() int { return 4 }

func (ByteArray) ToInt(data []byte) (int, bool) {
	v, ok := le32(data)
	return int(v), ok
}

func (m ByteArray) length(props PropertyProvider) (int, bool) {
	n := m.Length
	if m.LengthFrom != "" {
		if props == nil {
			return 0, false
		}
		v, ok := props.QueryForProperty(m.LengthFrom)
		if !ok {
			return 0, false
		}
		n = v
	}
	if n < 0 {
		return 0, false
	}
	limit := m.Max
	if limit <= 0 {
		limit = DefaultMaxRead
	}
	if n > limit {
		n = limit
	}
	return n, true
}

func (m ByteArray) read(data []byte, deep bool, props PropertyProvider) (uint32, []byte, bool) {
	addr, ok := le32(data)
	if !ok || !deep || addr == 0 || m.Mem == nil {
		return addr, nil, false
	}
	n, ok := m.length(props)
	if !ok {
		return addr, nil, false
	}
	buf := make([]byte, n)
	if err := m.Mem.Read(uintptr(addr), buf); err != nil {
		return addr, nil, false
	}
	return addr, buf, true
}

func (m ByteArray) ToString(data []byte, deep bool, props PropertyProvider) string {
	if len(data) < 4 {
		return Unavailable
	}
	addr, buf, ok := m.read(data, deep, props)
	if !ok {
		return formatPointer(addr)
	}
	return formatPointer(addr) + " -> [" + hex.EncodeToString(buf) + "]"
}

func (m ByteArray) ToNode(data []byte, deep bool, props PropertyProvider) *logtree.Node {
	n := logtree.New("ByteArray")
	if len(data) < 4 {
		n.Content = Unavailable
		return n
	}
	addr, buf, ok := m.read(data, deep, props)
	n.SetAttr("value", formatPointer(addr))
	if ok {
		n.SetAttr("size", strconv.Itoa(len(buf)))
		n.Content = hex.EncodeToString(buf)
	}
	return n
}

// CString is a pointer to a NUL terminated ANSI or UTF-16 string.
type CString struct {
	Mem  memory.Reader
	Wide bool
	Max  int // characters
}

func (CString) Size() int { return 4 }

func (CString) ToInt(data []byte) (int, bool) {
	v, ok := le32(data)
	return int(v), ok
}

func (m CString) read(data []byte, deep bool) (uint32, string, bool) {
	addr, ok := le32(data)
	if !ok || !deep || addr == 0 || m.Mem == nil {
		return addr, "", false
	}
	limit := m.Max
	if limit <= 0 {
		limit = DefaultMaxRead
	}
	width := 1
	if m.Wide {
		width = 2
	}

	var (
		narrow []byte
		wide   []uint16
		ch     [2]byte
	)
	for i := 0; i < limit; i++ {
		if err := m.Mem.Read(uintptr(addr)+uintptr(i*width), ch[:width]); err != nil {
			if i == 0 {
				return addr, "", false
			}
			break
		}
		if m.Wide {
			c := binary.LittleEndian.Uint16(ch[:])
			if c == 0 {
				break
			}
			wide = append(wide, c)
		} else {
			if ch[0] == 0 {
				break
			}
			narrow = append(narrow, ch[0])
		}
	}
	if m.Wide {
		return addr, string(utf16.Decode(wide)), true
	}
	return addr, string(narrow), true
}

func (m CString) ToString(data []byte, deep bool, _ PropertyProvider) string {
	if len(data) < 4 {
		return Unavailable
	}
	addr, s, ok := m.read(data, deep)
	if !ok {
		return formatPointer(addr)
	}
	return strconv.Quote(s)
}

func (m CString) ToNode(data []byte, deep bool, props PropertyProvider) *logtree.Node {
	name := "AnsiString"
	if m.Wide {
		name = "UnicodeString"
	}
	n := logtree.New(name)
	if len(data) < 4 {
		n.Content = Unavailable
		return n
	}
	addr, s, ok := m.read(data, deep)
	n.SetAttr("value", formatPointer(addr))
	if ok {
		n.Content = s
	}
	return n
}
