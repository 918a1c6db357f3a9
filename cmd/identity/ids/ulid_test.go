package ids

import (
	"testing"
	"time"
)

func TestNewULID_SortsByTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a, err := NewULID(t0)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char ids, got %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestNewUUID(t *testing.T) {
	a, b := NewUUID(), NewUUID()
	if a == b {
		t.Fatalf("expected unique ids")
	}
	if !IsUUID(a) || IsUUID("not-a-uuid") {
		t.Fatalf("IsUUID mismatch")
	}
}
