package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestThrottle(perSecond float64, burst int) (*Throttle, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := NewThrottle(perSecond, burst)
	th.SetClock(clock.Now)
	return th, clock
}

func TestThrottle_Allow(t *testing.T) {
	th, _ := newTestThrottle(10, 5)

	for i := 0; i < 5; i++ {
		if !th.Allow("key") {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}
	if th.Allow("key") {
		t.Error("Allow() should return false once the burst is used")
	}
}

func TestThrottle_SeparateKeys(t *testing.T) {
	th, _ := newTestThrottle(1, 1)

	if !th.Allow("a") {
		t.Fatal("Allow(a) should be allowed")
	}
	if th.Allow("a") {
		t.Error("Allow(a) should be throttled")
	}
	if !th.Allow("b") {
		t.Error("Allow(b) should be allowed (different key)")
	}
}

func TestThrottle_Refill(t *testing.T) {
	th, clock := newTestThrottle(2, 2)

	th.Allow("key")
	th.Allow("key")
	if th.Allow("key") {
		t.Fatal("Allow() should be throttled after burst")
	}

	clock.Advance(600 * time.Millisecond)
	if !th.Allow("key") {
		t.Error("Allow() should succeed after the bucket refills")
	}
}

func TestThrottle_LRUEviction(t *testing.T) {
	th, _ := newTestThrottle(1, 1)
	th.SetMaxKeys(3)

	for i := 0; i < 5; i++ {
		th.Allow(fmt.Sprintf("key-%d", i))
	}

	if got := th.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if got := th.Evictions(); got != 2 {
		t.Errorf("Evictions() = %d, want 2", got)
	}

	// key-0 was evicted, so it starts with a fresh bucket
	if !th.Allow("key-0") {
		t.Error("evicted key should get a fresh bucket")
	}
}

func TestThrottle_IdleKeysSwept(t *testing.T) {
	th, clock := newTestThrottle(1, 1)

	th.Allow("old")
	clock.Advance(DefaultThrottleIdleTimeout + time.Second)
	th.Allow("new")

	if got := th.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 after idle sweep", got)
	}
	if got := th.Evictions(); got != 0 {
		t.Errorf("idle sweep should not count as eviction, got %d", got)
	}
}

func TestThrottle_Concurrent(t *testing.T) {
	th, _ := newTestThrottle(0.001, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}
