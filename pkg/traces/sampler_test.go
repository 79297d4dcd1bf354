package traces

import (
	"testing"
)

func spanWithID(id string) *Span {
	return &Span{TraceID: id}
}

func TestSamplerKeepAll(t *testing.T) {
	s := NewSampler(1.0)
	for i := 0; i < 100; i++ {
		if !s.ShouldSample(spanWithID(GenerateTraceID())) {
			t.Fatalf("rate=1.0 should keep all spans")
		}
	}
}

func TestSamplerDropAll(t *testing.T) {
	s := NewSampler(0.0)
	for i := 0; i < 100; i++ {
		if s.ShouldSample(spanWithID(GenerateTraceID())) {
			t.Fatalf("rate=0.0 should drop all non-error spans")
		}
	}
}

func TestSamplerAlwaysKeepErrors(t *testing.T) {
	s := NewSampler(0.0)
	span := spanWithID(GenerateTraceID())
	span.SetError("boom")
	if !s.ShouldSample(span) {
		t.Fatal("errors should always be kept even at rate=0")
	}
}

func TestSamplerDeterministic(t *testing.T) {
	s := NewSampler(0.5)
	traceID := GenerateTraceID()
	first := s.ShouldSample(spanWithID(traceID))
	for i := 0; i < 100; i++ {
		if s.ShouldSample(spanWithID(traceID)) != first {
			t.Fatal("same traceID should always get the same sampling decision")
		}
	}
}

func TestSamplerApproximateRate(t *testing.T) {
	s := NewSampler(0.1)
	kept := 0
	total := 10000
	for i := 0; i < total; i++ {
		if s.ShouldSample(spanWithID(GenerateTraceID())) {
			kept++
		}
	}
	rate := float64(kept) / float64(total)
	if rate < 0.05 || rate > 0.15 {
		t.Errorf("expected ~10%% sample rate, got %.1f%% (%d/%d)", rate*100, kept, total)
	}
}

func TestSamplerInvalidTraceID(t *testing.T) {
	s := NewSampler(0.5)
	if !s.ShouldSample(spanWithID("abc")) {
		t.Error("short traceID should be kept")
	}
	if !s.ShouldSample(spanWithID("zzzzzzzzzzzzzzzz")) {
		t.Error("invalid hex traceID should be kept")
	}
}

func TestSamplerClamp(t *testing.T) {
	if r := NewSampler(7).Rate(); r != 1 {
		t.Errorf("rate = %v, want 1", r)
	}
	if r := NewSampler(-1).Rate(); r != 0 {
		t.Errorf("rate = %v, want 0", r)
	}
	if r := NewSampler(0.42).Rate(); r != 0.42 {
		t.Errorf("rate = %v, want 0.42", r)
	}
}
