// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"encoding/binary"
	"encoding/hex"
)

// Sampler makes head-based decisions from the trace ID, so every span of a
// nested call chain gets the same answer.
type Sampler struct {
	rate      float64
	threshold uint64
}

// NewSampler creates a sampler with the given rate, clamped to [0, 1].
func NewSampler(rate float64) *Sampler {
	switch {
	case rate <= 0:
		return &Sampler{}
	case rate >= 1:
		return &Sampler{rate: 1, threshold: ^uint64(0)}
	}
	return &Sampler{
		rate:      rate,
		threshold: uint64(rate * float64(^uint64(0))),
	}
}

// ShouldSample reports whether a finished span is kept. Errored spans are
// always kept.
func (s *Sampler) ShouldSample(span *Span) bool {
	if span.Status == StatusError || s.rate >= 1 {
		return true
	}
	if s.rate <= 0 {
		return false
	}
	return s.keep(span.TraceID)
}

func (s *Sampler) keep(traceID string) bool {
	if len(traceID) < 16 {
		return true
	}
	b, err := hex.DecodeString(traceID[:16])
	if err != nil {
		return true
	}
	return binary.BigEndian.Uint64(b) <= s.threshold
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}
