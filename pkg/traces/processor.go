// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Processor tracks open call spans per thread. A call that starts while
// another is open on the same thread becomes its child, so nested hooked
// calls form one trace.
type Processor struct {
	logger      *zap.Logger
	serviceName string
	pid         uint32
	sampler     *Sampler

	mu      sync.Mutex
	threads map[uint32][]*Span

	cbMu      sync.RWMutex
	callbacks []func(*Span)

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewProcessor creates a trace processor. A nil sampler keeps everything.
func NewProcessor(serviceName string, sampler *Sampler, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sampler == nil {
		sampler = NewSampler(1)
	}
	return &Processor{
		logger:      logger,
		serviceName: serviceName,
		pid:         uint32(os.Getpid()),
		sampler:     sampler,
		threads:     make(map[uint32][]*Span),
	}
}

// OnSpan registers a callback for completed spans.
func (p *Processor) OnSpan(fn func(*Span)) {
	p.cbMu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.cbMu.Unlock()
}

func (p *Processor) emitSpan(span *Span) {
	p.cbMu.RLock()
	cbs := p.callbacks
	p.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(span)
	}
}

// Start opens a span for a call on thread tid.
func (p *Processor) Start(tid uint32, name string) *Span {
	p.mu.Lock()
	defer p.mu.Unlock()

	stack := p.threads[tid]
	var span *Span
	if n := len(stack); n > 0 {
		span = stack[n-1].NewChild(name)
	} else {
		span = NewSpan(name)
		span.ServiceName = p.serviceName
		span.PID = p.pid
		span.TID = tid
	}
	p.threads[tid] = append(stack, span)
	return span
}

// Finish ends span and emits it if sampled. Spans left open above it on
// the same thread, whose leave never ran, are discarded.
func (p *Processor) Finish(span *Span) {
	span.End()

	p.mu.Lock()
	stack := p.threads[span.TID]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] != span {
			continue
		}
		if orphaned := len(stack) - 1 - i; orphaned > 0 {
			p.logger.Debug("discarding unfinished spans", zap.Uint32("tid", span.TID), zap.Int("count", orphaned))
		}
		for j := i; j < len(stack); j++ {
			stack[j] = nil
		}
		stack = stack[:i]
		break
	}
	if len(stack) == 0 {
		delete(p.threads, span.TID)
	} else {
		p.threads[span.TID] = stack
	}
	p.mu.Unlock()

	if !p.sampler.ShouldSample(span) {
		p.dropped.Add(1)
		return
	}
	p.emitted.Add(1)
	p.emitSpan(span)
}

// Open returns the number of spans still open on thread tid.
func (p *Processor) Open(tid uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads[tid])
}

// Counts returns how many spans were emitted and dropped by sampling.
func (p *Processor) Counts() (emitted, dropped uint64) {
	return p.emitted.Load(), p.dropped.Load()
}
