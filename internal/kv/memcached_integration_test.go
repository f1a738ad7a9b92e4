//go:build integration
// +build integration

package kv

import (
	"context"
	"testing"
	"time"
)

// TestMemcachedStore_EmptyValueIsFound_Integration verifies that an empty
// marker is reported as present, which the negative cache relies on.
func TestMemcachedStore_EmptyValueIsFound_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "kv:test:empty", nil, time.Minute); err != nil {
		t.Skipf("Set failed (memcached may not be running): %v", err)
	}
	got, ok, err := s.Get(ctx, "kv:test:empty")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true for empty marker")
	}
	if len(got) != 0 {
		t.Errorf("Get() = %q, want empty", got)
	}
}

func TestMemcachedStore_GetSetDelete_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "kv:test:shop", []byte(`{"id":1}`), 0); err != nil {
		t.Skipf("Set failed (memcached may not be running): %v", err)
	}
	got, ok, err := s.Get(ctx, "kv:test:shop")
	if err != nil || !ok {
		t.Fatalf("Get() = %q, %v, %v; want value", got, ok, err)
	}
	if err := s.Delete(ctx, "kv:test:shop"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "kv:test:shop"); ok {
		t.Error("Get() after Delete ok = true, want false")
	}
	if err := s.Delete(ctx, "kv:test:shop"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}
}
