package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/relaygrid/connector-oauth/cache"
)

// testCache creates a cache connected to a local Valkey instance.
// Tests will be skipped if no Valkey is reachable at VALKEY_TEST_ADDR.
// Each test gets a unique prefix to ensure test isolation.
func testCache(t *testing.T) *Cache {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("authsrvtest:%s:", t.Name())

	c, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, c)
		c.Close()
	})

	cleanupTestKeys(t, c)
	return c
}

func cleanupTestKeys(t *testing.T, c *Cache) {
	t.Helper()

	ctx := context.Background()
	pattern := c.prefix + "*"

	var cursor uint64
	for {
		result, err := c.client.Do(ctx,
			c.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = c.client.Do(ctx, c.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestSetGetDelete(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %q", got)
	}

	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k1"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after delete, got %v", err)
	}
}

func TestGetMiss(t *testing.T) {
	c := testCache(t)

	if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestServerSideExpiry(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := c.Get(ctx, "short"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after expiry, got %v", err)
	}
}

func TestDeleteMultiple(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if err := c.Delete(ctx, "a", "b", "c"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, key := range []string{"a", "b", "c"} {
		if _, err := c.Get(ctx, key); !errors.Is(err, cache.ErrCacheMiss) {
			t.Errorf("expected %s to be deleted, got %v", key, err)
		}
	}
}

func TestDeleteNoKeys(t *testing.T) {
	c := testCache(t)

	if err := c.Delete(context.Background()); err != nil {
		t.Errorf("Delete with no keys should be a no-op, got %v", err)
	}
}
