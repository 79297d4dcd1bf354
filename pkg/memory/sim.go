// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memory

import (
	"fmt"
	"sync"
)

const (
	simPageSize  = 0x1000
	simAllocBase = 0x20000000
)

// Sim is a simulated 32-bit address space. It enforces page protection on
// Read and Write so code that forgets to make a page writable fails the
// same way it would against real memory. Safe for concurrent use.
type Sim struct {
	mu      sync.Mutex
	regions []*simRegion
	prot    map[uintptr]Protection // page base -> protection
	next    uintptr

	failProtect map[uintptr]error
	flushes     int
}

type simRegion struct {
	base      uintptr
	data      []byte
	allocated bool
}

func (r *simRegion) contains(addr uintptr, n int) bool {
	return addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.data))
}

// NewSim creates an empty address space.
func NewSim() *Sim {
	return &Sim{
		prot:        make(map[uintptr]Protection),
		next:        simAllocBase,
		failProtect: make(map[uintptr]error),
	}
}

// Map places data at a fixed address with the given protection.
func (s *Sim) Map(addr uintptr, data []byte, prot Protection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &simRegion{base: addr, data: append([]byte(nil), data...)}
	s.regions = append(s.regions, r)
	s.setProt(addr, len(data), prot)
}

// FailProtect makes every Protect call touching addr's page fail with err.
func (s *Sim) FailProtect(addr uintptr, err error) {
	s.mu.Lock()
	s.failProtect[addr&^(simPageSize-1)] = err
	s.mu.Unlock()
}

// Bytes returns a copy of n bytes at addr ignoring protection.
func (s *Sim) Bytes(addr uintptr, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr, n)
	if r == nil {
		return nil
	}
	off := addr - r.base
	return append([]byte(nil), r.data[off:off+uintptr(n)]...)
}

// Protection returns the protection of the page holding addr.
func (s *Sim) Protection(addr uintptr) Protection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prot[addr&^(simPageSize-1)]
}

// Allocations returns the number of live Alloc regions.
func (s *Sim) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.regions {
		if r.allocated {
			n++
		}
	}
	return n
}

// Flushes returns how many times FlushCode was called.
func (s *Sim) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Sim) Read(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.access(addr, len(buf), Read)
	if err != nil {
		return err
	}
	copy(buf, r.data[addr-r.base:])
	return nil
}

func (s *Sim) Write(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.access(addr, len(data), Write)
	if err != nil {
		return err
	}
	copy(r.data[addr-r.base:], data)
	return nil
}

func (s *Sim) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(addr, size) == nil {
		return None, fmt.Errorf("%w: %#x+%d is not mapped", ErrFault, addr, size)
	}
	for page := addr &^ (simPageSize - 1); page < addr+uintptr(size); page += simPageSize {
		if err, ok := s.failProtect[page]; ok {
			return None, err
		}
	}
	old := s.prot[addr&^(simPageSize-1)]
	s.setProt(addr, size, prot)
	return old, nil
}

func (s *Sim) Alloc(size int, prot Protection) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounded := (uintptr(size) + simPageSize - 1) &^ (simPageSize - 1)
	addr := s.next
	s.next += rounded + simPageSize

	s.regions = append(s.regions, &simRegion{base: addr, data: make([]byte, rounded), allocated: true})
	s.setProt(addr, int(rounded), prot)
	return addr, nil
}

func (s *Sim) Free(addr uintptr, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.base == addr && r.allocated {
			for page := r.base; page < r.base+uintptr(len(r.data)); page += simPageSize {
				delete(s.prot, page)
			}
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %#x", ErrNotAllocated, addr)
}

func (s *Sim) FlushCode(uintptr, int) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *Sim) find(addr uintptr, n int) *simRegion {
	for _, r := range s.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

func (s *Sim) access(addr uintptr, n int, need Protection) (*simRegion, error) {
	r := s.find(addr, n)
	if r == nil {
		return nil, fmt.Errorf("%w: %#x+%d is not mapped", ErrFault, addr, n)
	}
	for page := addr &^ (simPageSize - 1); page < addr+uintptr(n); page += simPageSize {
		if s.prot[page]&need == 0 {
			return nil, fmt.Errorf("%w: %#x is %s", ErrFault, page, s.prot[page])
		}
	}
	return r, nil
}

func (s *Sim) setProt(addr uintptr, size int, prot Protection) {
	for page := addr &^ (simPageSize - 1); page < addr+uintptr(size); page += simPageSize {
		s.prot[page] = prot
	}
}
