package fetcher

import (
	"errors"
	"testing"
	"time"
)

func TestCacheGetOrFetch(t *testing.T) {
	c := newCache[int](4, time.Minute)

	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.getOrFetch("k", load)
		if err != nil {
			t.Fatalf("getOrFetch failed: %v", err)
		}
		if v != 42 {
			t.Fatalf("got %d, want 42", v)
		}
	}
	if calls != 1 {
		t.Errorf("loader ran %d times, want 1", calls)
	}
}

func TestCacheErrorDoesNotPoison(t *testing.T) {
	c := newCache[int](4, time.Minute)

	boom := errors.New("upstream down")
	if _, err := c.getOrFetch("k", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}

	// The failed load left no entry behind; the next call loads fresh.
	v, err := c.getOrFetch("k", func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("recovery load = %d, %v", v, err)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := newCache[int](4, 50*time.Millisecond)

	calls := 0
	load := func() (int, error) {
		calls++
		return calls, nil
	}

	if v, _ := c.getOrFetch("k", load); v != 1 {
		t.Fatalf("first load = %d", v)
	}
	time.Sleep(120 * time.Millisecond)
	if v, _ := c.getOrFetch("k", load); v != 2 {
		t.Errorf("expected a reload after expiry, got %d", v)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := newCache[int](4, time.Minute)

	calls := 0
	load := func() (int, error) {
		calls++
		return calls, nil
	}

	c.getOrFetch("k", load)
	c.invalidate("k")
	if v, _ := c.getOrFetch("k", load); v != 2 {
		t.Errorf("expected a reload after invalidate, got %d", v)
	}
}
