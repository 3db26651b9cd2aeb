package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, tenantID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, tenantID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, tenantID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, tenantID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, tenantID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, tenantID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		tenant1 := "tenant-001"
		tenant2 := "tenant-002"

		_ = cache.Set(ctx, tenant1, "shared-key", []byte("tenant1-value"), time.Minute)
		_ = cache.Set(ctx, tenant2, "shared-key", []byte("tenant2-value"), time.Minute)

		val1, _ := cache.Get(ctx, tenant1, "shared-key")
		val2, _ := cache.Get(ctx, tenant2, "shared-key")

		if string(val1) != "tenant1-value" {
			t.Errorf("expected 'tenant1-value', got '%s'", string(val1))
		}
		if string(val2) != "tenant2-value" {
			t.Errorf("expected 'tenant2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = cache.Get(ctx, "", "key")
		if !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got: %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, tenantID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestLRUCacheClock(t *testing.T) {
	c := NewLRUCache(10)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "u1", "k", []byte("v"), time.Hour)
	now = now.Add(59 * time.Minute)
	if val, _ := c.Get(ctx, "u1", "k"); val == nil {
		t.Fatal("expected value inside TTL")
	}

	now = now.Add(2 * time.Minute)
	if val, _ := c.Get(ctx, "u1", "k"); val != nil {
		t.Error("expected expiry after TTL")
	}
	if size, _ := c.Stats(); size != 0 {
		t.Errorf("expired entry should be evicted on read, size %d", size)
	}
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()

	t.Run("WritesBothTiers", func(t *testing.T) {
		local, remote := NewLRUCache(10), NewLRUCache(10)
		c := NewTwoPhaseCache(local, remote, time.Minute)

		if err := c.Set(ctx, "u1", "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := local.Get(ctx, "u1", "k"); string(val) != "v" {
			t.Errorf("expected L1 entry, got %q", val)
		}
		if val, _ := remote.Get(ctx, "u1", "k"); string(val) != "v" {
			t.Errorf("expected L2 entry, got %q", val)
		}
	})

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		local, remote := NewLRUCache(10), NewLRUCache(10)
		c := NewTwoPhaseCache(local, remote, time.Minute)
		_ = remote.Set(ctx, "u1", "k", []byte("shared"), time.Hour)

		val, err := c.Get(ctx, "u1", "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "shared" {
			t.Errorf("expected 'shared', got %q", val)
		}
		if size, _ := c.Stats(); size != 1 {
			t.Errorf("expected L1 populated, size %d", size)
		}
	})

	t.Run("L1TTLIsCapped", func(t *testing.T) {
		local, remote := NewLRUCache(10), NewLRUCache(10)
		now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		local.now = func() time.Time { return now }
		c := NewTwoPhaseCache(local, remote, time.Minute)

		_ = c.Set(ctx, "u1", "k", []byte("v"), time.Hour)
		now = now.Add(2 * time.Minute)
		if val, _ := local.Get(ctx, "u1", "k"); val != nil {
			t.Error("expected L1 entry to expire after the local TTL")
		}
		if val, _ := c.Get(ctx, "u1", "k"); string(val) != "v" {
			t.Errorf("expected L2 fallback, got %q", val)
		}
	})

	t.Run("DeleteBothTiers", func(t *testing.T) {
		local, remote := NewLRUCache(10), NewLRUCache(10)
		c := NewTwoPhaseCache(local, remote, 0)
		_ = c.Set(ctx, "u1", "k", []byte("v"), time.Hour)

		if err := c.Delete(ctx, "u1", "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, "u1", "k"); val != nil {
			t.Error("expected miss after delete")
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c := NewTwoPhaseCache(NewLRUCache(10), NewLRUCache(10), time.Minute)
		if _, err := c.Get(ctx, "", "k"); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got: %v", err)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("DefaultType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache when type is empty")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
