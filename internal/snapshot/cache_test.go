package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	// 1. A cold cache misses
	if _, err := c.Get(ctx, "qr_1"); !errors.Is(err, model.ErrCacheMiss) {
		t.Fatalf("Expected ErrCacheMiss on cold cache, got %v", err)
	}

	// 2. A fresh entry is returned as-is
	snap := &model.Snapshot{EntityID: "qr_1", ActiveScans: 4, ComputedAt: time.Now()}
	if err := c.Put(ctx, "qr_1", snap, 50*time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := c.Get(ctx, "qr_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ActiveScans != 4 {
		t.Errorf("Expected cached snapshot, got %+v", got)
	}

	// 3. An expired entry is never served silently: it is a miss
	time.Sleep(60 * time.Millisecond)
	if _, err := c.Get(ctx, "qr_1"); !errors.Is(err, model.ErrCacheMiss) {
		t.Fatalf("Expected ErrCacheMiss after TTL expiry, got %v", err)
	}
}

func TestMemoryCache_PutOverwrites(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	c.Put(ctx, "qr_1", &model.Snapshot{EntityID: "qr_1", ActiveScans: 1}, time.Minute)
	c.Put(ctx, "qr_1", &model.Snapshot{EntityID: "qr_1", ActiveScans: 2}, time.Minute)

	got, err := c.Get(ctx, "qr_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ActiveScans != 2 {
		t.Errorf("Expected last put to win, got %+v", got)
	}
}
