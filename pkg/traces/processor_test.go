package traces

import (
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func collect(p *Processor) func() []*Span {
	var mu sync.Mutex
	var spans []*Span
	p.OnSpan(func(s *Span) {
		mu.Lock()
		spans = append(spans, s)
		mu.Unlock()
	})
	return func() []*Span {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Span(nil), spans...)
	}
}

func TestProcessorNesting(t *testing.T) {
	p := NewProcessor("svc", nil, zaptest.NewLogger(t))
	spans := collect(p)

	outer := p.Start(7, "app!outer")
	inner := p.Start(7, "kernel32.dll!ReadFile")
	other := p.Start(8, "kernel32.dll!Sleep")

	if inner.TraceID != outer.TraceID || inner.ParentSpanID != outer.SpanID {
		t.Errorf("inner not a child of outer: %+v", inner)
	}
	if other.TraceID == outer.TraceID || other.ParentSpanID != "" {
		t.Error("span on another thread should start its own trace")
	}
	if inner.ServiceName != "svc" || inner.TID != 7 {
		t.Errorf("child did not inherit service info: %q tid=%d", inner.ServiceName, inner.TID)
	}

	p.Finish(inner)
	p.Finish(outer)
	p.Finish(other)

	got := spans()
	if len(got) != 3 {
		t.Fatalf("emitted %d spans, want 3", len(got))
	}
	if got[0] != inner || got[1] != outer {
		t.Error("spans not emitted in finish order")
	}
	if p.Open(7) != 0 || p.Open(8) != 0 {
		t.Error("threads should have no open spans")
	}
	if got[0].Duration < 0 || got[0].EndTime.IsZero() {
		t.Error("finished span not ended")
	}
}

func TestProcessorDiscardsOrphans(t *testing.T) {
	p := NewProcessor("svc", nil, zaptest.NewLogger(t))
	spans := collect(p)

	outer := p.Start(1, "outer")
	p.Start(1, "never-finished")
	p.Finish(outer)

	if p.Open(1) != 0 {
		t.Errorf("open = %d, want 0", p.Open(1))
	}
	if n := len(spans()); n != 1 {
		t.Errorf("emitted %d, want 1", n)
	}

	// A fresh call after the unwind starts a new trace.
	next := p.Start(1, "next")
	if next.TraceID == outer.TraceID {
		t.Error("new call should not join the finished trace")
	}
}

func TestProcessorSampling(t *testing.T) {
	p := NewProcessor("svc", NewSampler(0), zaptest.NewLogger(t))
	spans := collect(p)

	ok := p.Start(1, "quiet")
	p.Finish(ok)
	failed := p.Start(1, "loud")
	failed.SetError("ERROR_ACCESS_DENIED")
	p.Finish(failed)

	got := spans()
	if len(got) != 1 || got[0] != failed {
		t.Fatalf("emitted %v, want only the errored span", got)
	}
	emitted, dropped := p.Counts()
	if emitted != 1 || dropped != 1 {
		t.Errorf("counts = %d/%d, want 1/1", emitted, dropped)
	}
}

func TestProcessorConcurrentThreads(t *testing.T) {
	p := NewProcessor("svc", nil, zaptest.NewLogger(t))
	spans := collect(p)

	var wg sync.WaitGroup
	for tid := uint32(1); tid <= 8; tid++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a := p.Start(tid, "a")
				b := p.Start(tid, "b")
				p.Finish(b)
				p.Finish(a)
			}
		}(tid)
	}
	wg.Wait()

	got := spans()
	if len(got) != 1600 {
		t.Fatalf("emitted %d, want 1600", len(got))
	}
	for _, s := range got {
		if s.Name == "b" && s.ParentSpanID == "" {
			t.Fatal("inner span lost its parent")
		}
	}
}

func TestSpanSetError(t *testing.T) {
	s := NewSpan("f")
	s.SetError("bad handle")
	if s.Status != StatusError || len(s.Events) != 1 {
		t.Fatalf("status=%v events=%d", s.Status, len(s.Events))
	}
	if s.Events[0].Attributes["exception.message"] != "bad handle" {
		t.Errorf("event attrs = %v", s.Events[0].Attributes)
	}
	if len(s.TraceID) != 32 || len(s.SpanID) != 16 {
		t.Errorf("ids = %q/%q", s.TraceID, s.SpanID)
	}
}
