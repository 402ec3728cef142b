package statuscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockwatch/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestPutGet(t *testing.T) {
	_, rdb := newMiniRedis(t)
	cache := New(rdb, 0)
	ctx := context.Background()

	if _, err := cache.Get(ctx, 1); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}

	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	snap := &model.AvailabilitySnapshot{
		ID: 10, ItemID: 1, ProductID: "80213074", CheckedAt: at,
		TotalStock: 7, KnownStores: 2, UnknownStores: 1, ProbabilitySummary: "HIGH_STOCK",
	}
	if err := cache.Put(ctx, FromSnapshot(snap)); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cache.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CheckedAt.Equal(at) {
		t.Fatalf("checked_at: got %v want %v", got.CheckedAt, at)
	}
	got.CheckedAt = time.Time{}
	want := Status{ItemID: 1, SnapshotID: 10, ProductID: "80213074", TotalStock: 7, KnownStores: 2, UnknownStores: 1, ProbabilitySummary: "HIGH_STOCK"}
	if *got != want {
		t.Fatalf("got %+v, want %+v", *got, want)
	}
}

func TestPut_OlderSnapshotDoesNotOverwrite(t *testing.T) {
	_, rdb := newMiniRedis(t)
	cache := New(rdb, 0)
	ctx := context.Background()

	if err := cache.Put(ctx, Status{ItemID: 1, SnapshotID: 20, TotalStock: 9}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, Status{ItemID: 1, SnapshotID: 19, TotalStock: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cache.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SnapshotID != 20 || got.TotalStock != 9 {
		t.Fatalf("older snapshot overwrote cache: %+v", got)
	}
}

func TestPut_TTLAndDelete(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	cache := New(rdb, time.Hour)
	ctx := context.Background()

	if err := cache.Put(ctx, Status{ItemID: 3, SnapshotID: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL(key(3)); ttl != time.Hour {
		t.Fatalf("expected ttl of one hour, got %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := cache.Get(ctx, 3); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}

	if err := cache.Put(ctx, Status{ItemID: 4, SnapshotID: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Delete(ctx, 4); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cache.Get(ctx, 4); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}
