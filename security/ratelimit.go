package security

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottleMaxKeys is the number of keys tracked before LRU eviction
	DefaultThrottleMaxKeys = 10000

	// DefaultThrottleIdleTimeout drops keys that have not been seen for this long
	DefaultThrottleIdleTimeout = 30 * time.Minute
)

type throttleEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Throttle is a keyed token bucket with LRU eviction. It bounds how many
// security events are written per key, so a client replaying stolen tokens
// cannot flood the audit log. Idle keys are swept on access; there is no
// background goroutine to stop.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	limit       rate.Limit
	burst       int
	maxKeys     int
	idleTimeout time.Duration
	now         func() time.Time

	evictions int64
}

// NewThrottle allows perSecond events per key with the given burst.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		limit:       rate.Limit(perSecond),
		burst:       burst,
		maxKeys:     DefaultThrottleMaxKeys,
		idleTimeout: DefaultThrottleIdleTimeout,
		now:         time.Now,
	}
}

// SetMaxKeys changes the LRU capacity. Zero or negative means unbounded.
func (t *Throttle) SetMaxKeys(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxKeys = n
}

// SetClock overrides the time source (tests).
func (t *Throttle) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now != nil {
		t.now = now
	}
}

// Allow reports whether one more event for key may be written now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweep(now)

	if elem, ok := t.entries[key]; ok {
		t.lru.MoveToFront(elem)
		entry := elem.Value.(*throttleEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if t.maxKeys > 0 && len(t.entries) >= t.maxKeys {
		t.evictOldest()
	}

	entry := &throttleEntry{
		key:        key,
		limiter:    rate.NewLimiter(t.limit, t.burst),
		lastAccess: now,
	}
	t.entries[key] = t.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Evictions returns how many keys were dropped to stay within capacity.
func (t *Throttle) Evictions() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictions
}

// sweep removes idle keys from the back of the LRU list.
// Must be called with mu held.
func (t *Throttle) sweep(now time.Time) {
	for elem := t.lru.Back(); elem != nil; elem = t.lru.Back() {
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) <= t.idleTimeout {
			return
		}
		delete(t.entries, entry.key)
		t.lru.Remove(elem)
	}
}

// Must be called with mu held.
func (t *Throttle) evictOldest() {
	elem := t.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(t.entries, entry.key)
	t.lru.Remove(elem)
	t.evictions++
}
