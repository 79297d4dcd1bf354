// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package resolve turns module and symbol names into addresses inside the
// current process, and addresses back into "module!symbol+0x.." names.
package resolve

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrModuleNotFound = errors.New("module not loaded")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Resolver looks up code addresses in the running process.
type Resolver interface {
	// Resolve returns the address of an exported function.
	Resolve(module, function string) (uintptr, error)
	// ModuleBase returns the load address of a module.
	ModuleBase(module string) (uintptr, error)
	// Symbolize names an address, falling back to hex.
	Symbolize(addr uintptr) string
}

// Table is a fixed Resolver, used when symbols come from configuration
// rather than from the loader.
type Table struct {
	mu      sync.RWMutex
	modules map[string]tableModule
}

type tableModule struct {
	base    uintptr
	size    uintptr
	symbols map[string]uintptr
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{modules: make(map[string]tableModule)}
}

// AddModule registers a module's base and size.
func (t *Table) AddModule(name string, base, size uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := moduleKey(name)
	m := t.modules[key]
	m.base, m.size = base, size
	if m.symbols == nil {
		m.symbols = make(map[string]uintptr)
	}
	t.modules[key] = m
}

// AddSymbol registers a symbol at an absolute address. The module must
// have been added first.
func (t *Table) AddSymbol(module, name string, addr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.modules[moduleKey(module)]; ok {
		m.symbols[name] = addr
	}
}

func (t *Table) Resolve(module, function string) (uintptr, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.modules[moduleKey(module)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	addr, ok := m.symbols[function]
	if !ok {
		return 0, fmt.Errorf("%w: %s!%s", ErrSymbolNotFound, module, function)
	}
	return addr, nil
}

func (t *Table) ModuleBase(module string) (uintptr, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.modules[moduleKey(module)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	return m.base, nil
}

func (t *Table) Symbolize(addr uintptr) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for name, m := range t.modules {
		if addr < m.base || addr >= m.base+m.size {
			continue
		}
		best, bestAddr := "", uintptr(0)
		for sym, a := range m.symbols {
			if a <= addr && a >= bestAddr {
				best, bestAddr = sym, a
			}
		}
		if best == "" {
			return formatOffset(name, "", addr-m.base)
		}
		return formatOffset(name, best, addr-bestAddr)
	}
	return formatHex(addr)
}

// Address resolves either a named function or a numeric address, which is
// relative to the module base when relative is set.
func Address(r Resolver, module, function string, addr uint64, relative bool) (uintptr, error) {
	if function != "" {
		return r.Resolve(module, function)
	}
	if !relative {
		return uintptr(addr), nil
	}
	base, err := r.ModuleBase(module)
	if err != nil {
		return 0, err
	}
	return base + uintptr(addr), nil
}

// moduleKey normalizes a module name for lookup: base name, lower case.
func moduleKey(name string) string {
	return strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
}

// matchModule reports whether a loaded file satisfies a requested module
// name. "libc" and "libc.so" both match "libc.so.6"; "kernel32" matches
// "KERNEL32.DLL".
func matchModule(requested, loaded string) bool {
	req, got := moduleKey(requested), moduleKey(loaded)
	if req == got {
		return true
	}
	return strings.HasPrefix(got, req+".") || strings.HasPrefix(got, req+"-")
}

func formatHex(addr uintptr) string {
	return fmt.Sprintf("0x%08x", addr)
}

func formatOffset(module, symbol string, off uintptr) string {
	switch {
	case symbol == "":
		return fmt.Sprintf("%s+0x%x", module, off)
	case off == 0:
		return module + "!" + symbol
	default:
		return fmt.Sprintf("%s!%s+0x%x", module, symbol, off)
	}
}
