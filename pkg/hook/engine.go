// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook intercepts calls to native 32-bit x86 functions in the
// running process. A Function is hooked by overwriting its first
// instructions with a jump to a trampoline that calls back into Go on
// entry and, by hijacking the return address, again on return.
package hook

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/hook/x86"
	"github.com/mbeema/intercept/pkg/memory"
	"github.com/mbeema/intercept/pkg/signature"
)

// DefaultPrologueWindow is how many bytes of a function are inspected
// when looking for a safe patch length.
const DefaultPrologueWindow = 32

// Options configures an Engine. Zero values select the native platform.
type Options struct {
	Logger         *zap.Logger
	Memory         memory.Memory
	Signatures     signature.Provider
	Gateway        Gateway
	PrologueWindow int
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Hooked        int
	Enters        uint64
	Leaves        uint64
	Skips         uint64
	ForcedCarryOn uint64
	HandlerPanics uint64
	Faults        uint64
	// calls dropped because their frame was unwound without returning
	Unwound uint64
	// calls made from inside a handler, run without instrumentation
	Reentered uint64
}

type counters struct {
	enters        atomic.Uint64
	leaves        atomic.Uint64
	skips         atomic.Uint64
	forcedCarryOn atomic.Uint64
	handlerPanics atomic.Uint64
	faults        atomic.Uint64
	unwound       atomic.Uint64
	reentered     atomic.Uint64
}

// Engine owns every hook installed through it.
type Engine struct {
	mem    memory.Memory
	sigs   signature.Provider
	gw     Gateway
	window int
	logger atomic.Pointer[zap.Logger]

	mu          sync.Mutex
	initialized bool
	hooked      map[uintptr]*Function

	// thread id -> *callStack
	stacks sync.Map
	stats  counters
}

// NewEngine creates an engine. It must be initialized before hooking.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		mem:    opts.Memory,
		sigs:   opts.Signatures,
		gw:     opts.Gateway,
		window: opts.PrologueWindow,
		hooked: make(map[uintptr]*Function),
	}
	if e.mem == nil {
		e.mem = memory.Native()
	}
	if e.window <= 0 {
		e.window = DefaultPrologueWindow
	}
	if e.sigs == nil {
		e.sigs = signature.Chain{
			signature.DefaultPrologues(),
			signature.NewDecoder(x86.JmpRel32Size, e.window),
		}
	}
	if e.gw == nil {
		e.gw = NativeGateway()
	}
	e.SetLogger(opts.Logger)
	return e
}

// Initialize prepares the native gates. Calling it twice is harmless.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}
	enter, leave, err := e.gw.Slots()
	if err != nil {
		return err
	}
	e.initialized = true
	e.Logger().Info("hook engine initialized",
		zap.String("enterGate", hexAddr(enter)),
		zap.String("leaveGate", hexAddr(leave)),
		zap.Int("prologueWindow", e.window),
	)
	return nil
}

// UnInitialize removes every hook still installed.
func (e *Engine) UnInitialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}
	var firstErr error
	for _, f := range e.sortedHooked() {
		if err := f.unhookLocked(); err != nil {
			e.Logger().Warn("unhook on shutdown failed",
				zap.String("function", f.FullName()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.initialized = false
	e.Logger().Info("hook engine uninitialized")
	return firstErr
}

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger {
	return e.logger.Load()
}

// SetLogger replaces the engine logger; nil installs a no-op logger.
func (e *Engine) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	e.logger.Store(l)
}

// Memory returns the memory the engine patches.
func (e *Engine) Memory() memory.Memory { return e.mem }

// Hooked returns the installed hooks ordered by address.
func (e *Engine) Hooked() []*Function {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedHooked()
}

func (e *Engine) sortedHooked() []*Function {
	fns := make([]*Function, 0, len(e.hooked))
	for _, f := range e.hooked {
		fns = append(fns, f)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].offset < fns[j].offset })
	return fns
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.hooked)
	e.mu.Unlock()

	return Stats{
		Hooked:        n,
		Enters:        e.stats.enters.Load(),
		Leaves:        e.stats.leaves.Load(),
		Skips:         e.stats.skips.Load(),
		ForcedCarryOn: e.stats.forcedCarryOn.Load(),
		HandlerPanics: e.stats.handlerPanics.Load(),
		Faults:        e.stats.faults.Load(),
		Unwound:       e.stats.unwound.Load(),
		Reentered:     e.stats.reentered.Load(),
	}
}
