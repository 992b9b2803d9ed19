package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewAt(at)
	b := NewAt(at)
	if a >= b {
		t.Fatalf("expected monotonic ids within one millisecond: %s >= %s", a, b)
	}
	if !Valid(a) || !Valid(New()) {
		t.Fatalf("expected generated ids to be valid")
	}
	if Valid("not-a-ulid") || Valid("") {
		t.Fatalf("expected malformed ids to be rejected")
	}
}
