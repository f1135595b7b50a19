package registry

import (
	"errors"
	"testing"

	"github.com/parleyd/parley/internal/negotiation"
)

type stubRunner struct {
	stopped bool
}

func (s *stubRunner) Session() *negotiation.Session { return negotiation.NewSession("x", "t") }
func (s *stubRunner) Stop()                         { s.stopped = true }

func TestAddRejectsDuplicate(t *testing.T) {
	r := New()
	if err := r.Add("s1", &stubRunner{}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := r.Add("s1", &stubRunner{})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestRemoveThenAdd(t *testing.T) {
	r := New()
	if err := r.Add("s1", &stubRunner{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	r.Remove("s1")
	if _, ok := r.Get("s1"); ok {
		t.Fatal("runner still present after remove")
	}
	if err := r.Add("s1", &stubRunner{}); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
}

func TestStopAll(t *testing.T) {
	r := New()
	a, b := &stubRunner{}, &stubRunner{}
	r.Add("a", a)
	r.Add("b", b)

	r.StopAll()
	if !a.stopped || !b.stopped {
		t.Error("StopAll did not stop every runner")
	}
	if r.Len() != 0 {
		t.Errorf("registry not empty after StopAll: %d", r.Len())
	}
}

func TestIDs(t *testing.T) {
	r := New()
	r.Add("a", &stubRunner{})
	r.Add("b", &stubRunner{})
	ids := r.IDs()
	if len(ids) != 2 {
		t.Errorf("expected 2 ids, got %v", ids)
	}
}
