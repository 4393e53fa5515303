package sessionlock

import (
	"errors"
	"sync"
	"testing"
)

func TestWithLockSerializesSameKey(t *testing.T) {
	r := NewRegistry(10)
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.WithLock("session-1", func() error {
				cur := counter
				counter = cur + 1
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 serialized increments, got %d (indicates a race)", counter)
	}
}

func TestWithLockPropagatesError(t *testing.T) {
	r := NewRegistry(10)
	want := errors.New("boom")
	err := r.WithLock("k", func() error { return want })
	if err != want {
		t.Errorf("expected WithLock to propagate fn's error, got %v", err)
	}
}

func TestRegistryEvictsBeyondMaxKeys(t *testing.T) {
	r := NewRegistry(2)
	r.get("a")
	r.get("b")
	r.get("c")

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.locks) > 2 {
		t.Errorf("expected eviction to keep live entries at or below maxKeys, got %d", len(r.locks))
	}
	if _, ok := r.locks["a"]; ok {
		t.Error("expected the oldest key to have been evicted")
	}
}

func TestNewRegistryDefaultsNonPositiveMaxKeys(t *testing.T) {
	r := NewRegistry(0)
	if r.maxKeys != 10000 {
		t.Errorf("expected default maxKeys of 10000, got %d", r.maxKeys)
	}
}
