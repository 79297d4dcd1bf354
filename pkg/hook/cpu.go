// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"strings"

	"github.com/mbeema/intercept/pkg/hook/x86"
	"github.com/mbeema/intercept/pkg/memory"
)

// CpuContext is the general register file of a 32-bit x86 thread, laid
// out in the order PUSHAD stores it (lowest address first).
type CpuContext struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32
}

// RegisterNames lists the registers in PUSHAD order.
var RegisterNames = [...]string{"edi", "esi", "ebp", "esp", "ebx", "edx", "ecx", "eax"}

func (c *CpuContext) slots() [8]*uint32 {
	return [8]*uint32{&c.EDI, &c.ESI, &c.EBP, &c.ESP, &c.EBX, &c.EDX, &c.ECX, &c.EAX}
}

func registerIndex(name string) int {
	for i, n := range RegisterNames {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// Register returns a register by name, case-insensitively.
func (c *CpuContext) Register(name string) (uint32, bool) {
	i := registerIndex(name)
	if i < 0 {
		return 0, false
	}
	return *c.slots()[i], true
}

// SetRegister sets a register by name. It reports whether the name is known.
func (c *CpuContext) SetRegister(name string, v uint32) bool {
	i := registerIndex(name)
	if i < 0 {
		return false
	}
	*c.slots()[i] = v
	return true
}

func (c *CpuContext) marshal() []byte {
	b := make([]byte, x86.PushadSize)
	for i, p := range c.slots() {
		binary.LittleEndian.PutUint32(b[i*4:], *p)
	}
	return b
}

func readCpuContext(r memory.Reader, addr uintptr) (CpuContext, error) {
	var (
		c   CpuContext
		buf [x86.PushadSize]byte
	)
	if err := r.Read(addr, buf[:]); err != nil {
		return c, err
	}
	for i, p := range c.slots() {
		*p = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return c, nil
}

func writeCpuContext(m memory.Memory, addr uintptr, c *CpuContext) error {
	return m.Write(addr, c.marshal())
}
