package storage

import (
	"context"
	"strings"
	"testing"
)

func TestObjectKey(t *testing.T) {
	a := ObjectKey("stpaul", "baptism", "Scan 01.JPG")
	b := ObjectKey("stpaul", "baptism", "Scan 01.JPG")

	if a == b {
		t.Error("Object keys must be unique")
	}
	if !strings.HasPrefix(a, "churches/stpaul/baptism/") || !strings.HasSuffix(a, ".jpg") {
		t.Errorf("Unexpected key layout: %s", a)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "k", strings.NewReader("scan"), 4, "image/jpeg"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got, ok := s.Get("k"); !ok || string(got) != "scan" {
		t.Errorf("Get = %q, %v", got, ok)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Len() != 0 {
		t.Error("Expected empty store")
	}
}
