// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package resolve

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/memory"
)

const (
	maxELFCacheSize = 256
	mapsCacheTTL    = 60 * time.Second
)

// elfImage is the function symbol table of one ELF file.
type elfImage struct {
	dynamic   bool     // ET_DYN: symbol values are relative to the load bias
	loadVaddr uint64   // vaddr of the first PT_LOAD segment
	symbols   []elfSym // sorted by Addr
	byName    map[string]elfSym
}

type elfSym struct {
	Addr uint64
	Size uint64
	Name string
}

// ELF resolves symbols of the current process from its memory map and the
// ELF files behind it.
type ELF struct {
	logger   *zap.Logger
	readMaps func() ([]memory.Mapping, error)
	open     func(path string) (*elfImage, error)
	images   *lru.Cache // path -> *elfImage

	mu       sync.RWMutex
	mappings []memory.Mapping
	loaded   time.Time
}

// NewELF creates a resolver backed by /proc/self/maps.
func NewELF(logger *zap.Logger) *ELF {
	return newELF(logger, func() ([]memory.Mapping, error) {
		return memory.ReadMappings(os.Getpid())
	}, loadELF)
}

func newELF(logger *zap.Logger, readMaps func() ([]memory.Mapping, error), open func(string) (*elfImage, error)) *ELF {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New(maxELFCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &ELF{
		logger:   logger,
		readMaps: readMaps,
		open:     open,
		images:   cache,
	}
}

// Refresh drops the cached memory map so the next lookup rereads it.
func (r *ELF) Refresh() {
	r.mu.Lock()
	r.mappings = nil
	r.mu.Unlock()
}

func (r *ELF) getMappings() ([]memory.Mapping, error) {
	r.mu.RLock()
	m, loaded := r.mappings, r.loaded
	r.mu.RUnlock()
	if m != nil && time.Since(loaded) < mapsCacheTTL {
		return m, nil
	}

	m, err := r.readMaps()
	if err != nil {
		return nil, fmt.Errorf("read memory map: %w", err)
	}
	r.mu.Lock()
	r.mappings, r.loaded = m, time.Now()
	r.mu.Unlock()
	return m, nil
}

func (r *ELF) getImage(path string) (*elfImage, error) {
	if v, ok := r.images.Get(path); ok {
		return v.(*elfImage), nil
	}
	img, err := r.open(path)
	if err != nil {
		return nil, err
	}
	r.images.Add(path, img)
	r.logger.Debug("loaded symbols", zap.String("file", path), zap.Int("symbols", len(img.symbols)))
	return img, nil
}

// moduleMapping returns the lowest mapping of the module's file.
func (r *ELF) moduleMapping(module string) (memory.Mapping, error) {
	mappings, err := r.getMappings()
	if err != nil {
		return memory.Mapping{}, err
	}
	var (
		found memory.Mapping
		ok    bool
	)
	for _, m := range mappings {
		if m.Path == "" || m.Path[0] == '[' || !matchModule(module, m.Path) {
			continue
		}
		if !ok || m.Start < found.Start {
			found, ok = m, true
		}
	}
	if !ok {
		return memory.Mapping{}, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	return found, nil
}

// bias is the difference between runtime and link-time addresses.
func bias(img *elfImage, m memory.Mapping) uint64 {
	if !img.dynamic {
		return 0
	}
	return m.Start - m.Offset - pageDown(img.loadVaddr)
}

func (r *ELF) Resolve(module, function string) (uintptr, error) {
	m, err := r.moduleMapping(module)
	if err != nil {
		return 0, err
	}
	img, err := r.getImage(m.Path)
	if err != nil {
		return 0, err
	}
	sym, ok := img.byName[function]
	if !ok {
		return 0, fmt.Errorf("%w: %s!%s", ErrSymbolNotFound, module, function)
	}
	return uintptr(sym.Addr + bias(img, m)), nil
}

func (r *ELF) ModuleBase(module string) (uintptr, error) {
	m, err := r.moduleMapping(module)
	if err != nil {
		return 0, err
	}
	return uintptr(m.Start), nil
}

func (r *ELF) Symbolize(addr uintptr) string {
	mappings, err := r.getMappings()
	if err != nil {
		return formatHex(addr)
	}
	m, ok := memory.FindMapping(mappings, uint64(addr))
	if !ok || m.Path == "" || m.Path[0] == '[' {
		return formatHex(addr)
	}
	name := filepath.Base(m.Path)

	img, err := r.getImage(m.Path)
	if err != nil {
		base, berr := r.moduleMapping(name)
		if berr != nil {
			return formatHex(addr)
		}
		return formatOffset(name, "", addr-uintptr(base.Start))
	}
	linkAddr := uint64(addr) - bias(img, m)
	if sym, ok := findSymbol(img.symbols, linkAddr); ok {
		return formatOffset(name, sym.Name, uintptr(linkAddr-sym.Addr))
	}
	return formatOffset(name, "", uintptr(linkAddr-pageDown(img.loadVaddr)))
}

func pageDown(v uint64) uint64 { return v &^ 0xfff }

// loadELF reads the function symbols of an ELF file from .symtab and
// .dynsym.
func loadELF(path string) (*elfImage, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := &elfImage{
		dynamic: f.Type == elf.ET_DYN,
		byName:  make(map[string]elfSym),
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			img.loadVaddr = p.Vaddr
			break
		}
	}

	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			if _, dup := img.byName[s.Name]; dup {
				continue
			}
			sym := elfSym{Addr: s.Value, Size: s.Size, Name: s.Name}
			img.byName[s.Name] = sym
			img.symbols = append(img.symbols, sym)
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	if len(img.symbols) == 0 {
		return nil, fmt.Errorf("%s: no function symbols", path)
	}

	sort.Slice(img.symbols, func(i, j int) bool {
		return img.symbols[i].Addr < img.symbols[j].Addr
	})
	return img, nil
}

// findSymbol does a binary search for the function containing addr.
func findSymbol(symbols []elfSym, addr uint64) (elfSym, bool) {
	idx := sort.Search(len(symbols), func(i int) bool {
		return symbols[i].Addr > addr
	})
	if idx == 0 {
		return elfSym{}, false
	}
	sym := symbols[idx-1]
	if sym.Size > 0 && addr >= sym.Addr+sym.Size {
		return elfSym{}, false
	}
	return sym, true
}
