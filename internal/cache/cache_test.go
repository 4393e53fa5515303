package cache

import (
	"context"
	"testing"
	"time"
)

func TestNew_DisabledIsNoopAndNeverErrors(t *testing.T) {
	c, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("expected no error building a disabled cache, got %v", err)
	}

	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Errorf("Set on disabled cache should be a no-op, got %v", err)
	}
	var out string
	found, err := c.Get(ctx, "k", &out)
	if err != nil || found {
		t.Errorf("Get on disabled cache should always report a miss with no error, got found=%v err=%v", found, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete on disabled cache should be a no-op, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on disabled cache should be a no-op, got %v", err)
	}
}

func TestAcquireRenewReleaseLock_DisabledAlwaysSucceeds(t *testing.T) {
	c, _ := New(Config{Enabled: false})
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "lock", "owner", time.Minute)
	if err != nil || !ok {
		t.Errorf("AcquireLock on disabled cache should report success, got ok=%v err=%v", ok, err)
	}
	ok, err = c.RenewLock(ctx, "lock", "owner", time.Minute)
	if err != nil || !ok {
		t.Errorf("RenewLock on disabled cache should report success, got ok=%v err=%v", ok, err)
	}
	if err := c.ReleaseLock(ctx, "lock", "owner"); err != nil {
		t.Errorf("ReleaseLock on disabled cache should be a no-op, got %v", err)
	}
}

func TestSessionContainerIPKey(t *testing.T) {
	got := SessionContainerIPKey("s1")
	want := "sandboxd:ip:s1"
	if got != want {
		t.Errorf("SessionContainerIPKey(%q) = %q, want %q", "s1", got, want)
	}
}

// requires a real Redis reachable at localhost:6379 DB 15.
func TestCache_SetGetDelete_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c, err := New(Config{Host: "localhost", Port: "6379", DB: 15, Enabled: true})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	defer c.Delete(ctx, "sandboxd:test:key")

	type payload struct{ Value string }
	if err := c.Set(ctx, "sandboxd:test:key", payload{Value: "hello"}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var got payload
	found, err := c.Get(ctx, "sandboxd:test:key", &got)
	if err != nil || !found || got.Value != "hello" {
		t.Fatalf("expected to read back the stored value, got found=%v got=%+v err=%v", found, got, err)
	}

	if err := c.Delete(ctx, "sandboxd:test:key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	found, _ = c.Get(ctx, "sandboxd:test:key", &got)
	if found {
		t.Error("expected a miss after Delete")
	}
}
