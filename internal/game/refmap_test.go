package game

import (
	"errors"
	"testing"
	"time"
)

func TestRefMap_GenerateAndResolve(t *testing.T) {
	refs := NewRefMap()

	ref, err := refs.Generate(42, "r1", "alice")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(ref) != 24 {
		t.Errorf("ref length = %v, want 24 hex chars (96 bits)", len(ref))
	}

	betID, roundID, err := refs.Resolve(ref, "alice")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if betID != 42 || roundID != "r1" {
		t.Errorf("Resolve() = (%v, %v), want (42, r1)", betID, roundID)
	}
}

func TestRefMap_Resolve_Ownership(t *testing.T) {
	refs := NewRefMap()
	ref, _ := refs.Generate(42, "r1", "alice")

	if _, _, err := refs.Resolve(ref, "bob"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Resolve() as wrong user error = %v, want %v", err, ErrNotOwner)
	}
	if _, _, err := refs.Resolve("deadbeefdeadbeefdeadbeef", "alice"); !errors.Is(err, ErrBetNotFound) {
		t.Errorf("Resolve() unknown ref error = %v, want %v", err, ErrBetNotFound)
	}
}

func TestRefMap_Unique(t *testing.T) {
	refs := NewRefMap()
	seen := make(map[string]bool)

	for i := int64(0); i < 1000; i++ {
		ref, err := refs.Generate(i, "r1", "alice")
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if seen[ref] {
			t.Fatalf("Generate() repeated ref %v", ref)
		}
		seen[ref] = true
	}
}

func TestRefMap_RefFor(t *testing.T) {
	refs := NewRefMap()
	ref, _ := refs.Generate(42, "r1", "alice")

	got, ok := refs.RefFor(42)
	if !ok || got != ref {
		t.Errorf("RefFor(42) = (%v, %v), want (%v, true)", got, ok, ref)
	}
	if _, ok := refs.RefFor(99); ok {
		t.Error("RefFor() found a ref for an unknown bet")
	}
}

func TestRefMap_Sweep(t *testing.T) {
	refs := NewRefMap()
	ref, _ := refs.Generate(1, "r1", "alice")

	if n := refs.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep() expired %v fresh entries, want 0", n)
	}

	time.Sleep(5 * time.Millisecond)
	if n := refs.Sweep(time.Millisecond); n != 1 {
		t.Errorf("Sweep() = %v, want 1", n)
	}
	if _, _, err := refs.Resolve(ref, "alice"); !errors.Is(err, ErrBetNotFound) {
		t.Errorf("Resolve() after sweep error = %v, want %v", err, ErrBetNotFound)
	}
	if refs.Len() != 0 {
		t.Errorf("Len() after sweep = %v, want 0", refs.Len())
	}
}
