package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("ver")
	if !strings.HasPrefix(id, "ver_") || len(id) != len("ver_")+32 {
		t.Fatalf("NewID(ver) = %q", id)
	}
	if bare := NewID(""); len(bare) != 32 || strings.Contains(bare, "_") {
		t.Fatalf("NewID(\"\") = %q", bare)
	}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID("req")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
