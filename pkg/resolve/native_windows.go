// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package resolve

import (
	"fmt"
	"path/filepath"
	"unsafe"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const symbolizeCacheSize = 4096

// Native returns the resolver for the host loader.
func Native(logger *zap.Logger) Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New(symbolizeCacheSize)
	return &loaderResolver{logger: logger, names: cache}
}

// loaderResolver asks the Windows loader. Modules are loaded on demand,
// which pins them for the life of the process.
type loaderResolver struct {
	logger *zap.Logger
	names  *lru.Cache // module handle -> base file name
}

func (r *loaderResolver) module(name string) (windows.Handle, error) {
	h, err := windows.LoadLibrary(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, name, err)
	}
	return h, nil
}

func (r *loaderResolver) Resolve(module, function string) (uintptr, error) {
	h, err := r.module(module)
	if err != nil {
		return 0, err
	}
	addr, err := windows.GetProcAddress(h, function)
	if err != nil {
		return 0, fmt.Errorf("%w: %s!%s: %v", ErrSymbolNotFound, module, function, err)
	}
	r.logger.Debug("resolved export", zap.String("module", module), zap.String("function", function),
		zap.String("addr", formatHex(addr)))
	return addr, nil
}

func (r *loaderResolver) ModuleBase(module string) (uintptr, error) {
	h, err := r.module(module)
	if err != nil {
		return 0, err
	}
	return uintptr(h), nil
}

// Symbolize names addresses as module+offset; export names are not
// searched.
func (r *loaderResolver) Symbolize(addr uintptr) string {
	var h windows.Handle
	flags := uint32(windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS | windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT)
	if err := windows.GetModuleHandleEx(flags, (*uint16)(unsafe.Pointer(addr)), &h); err != nil {
		return formatHex(addr)
	}
	if v, ok := r.names.Get(h); ok {
		return formatOffset(v.(string), "", addr-uintptr(h))
	}
	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetModuleFileName(h, &buf[0], uint32(len(buf)))
	if err != nil {
		return formatHex(addr)
	}
	name := filepath.Base(windows.UTF16ToString(buf[:n]))
	r.names.Add(h, name)
	return formatOffset(name, "", addr-uintptr(h))
}
