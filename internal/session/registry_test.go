package session

import (
	"testing"
)

func newRegistryOrchestrator(id string) *Orchestrator {
	return NewOrchestrator(Config{SessionID: id, Mode: ModeSuggestion}, Deps{Sink: &testSink{}})
}

func TestRegistryAddGetRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("fresh registry Len = %d", r.Len())
	}

	a := newRegistryOrchestrator("a")
	b := newRegistryOrchestrator("b")
	r.Add(a)
	r.Add(b)
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	got, ok := r.Get("a")
	if !ok || got != a {
		t.Fatalf("Get(a) = %v, %v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get(missing) reported present")
	}

	r.Remove("a")
	if _, ok := r.Get("a"); ok {
		t.Fatal("removed session still present")
	}
	r.Remove("a") // unknown id is ignored
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryAddReplacesSameID(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := newRegistryOrchestrator("dup")
	second := newRegistryOrchestrator("dup")
	r.Add(first)
	r.Add(second)

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if got, _ := r.Get("dup"); got != second {
		t.Fatal("Add did not replace the previous entry")
	}
}

func TestRegistryStopAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Add(newRegistryOrchestrator("a"))
	r.Add(newRegistryOrchestrator("b"))

	summaries := r.StopAll()
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}
	seen := map[string]bool{}
	for _, s := range summaries {
		if s == nil {
			t.Fatal("nil summary from StopAll")
		}
		seen[s.SessionID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("summary session IDs = %v", seen)
	}
	if r.Len() != 0 {
		t.Fatalf("Len after StopAll = %d, want 0", r.Len())
	}
}
