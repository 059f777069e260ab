package redaction

import (
	"sync"
	"time"
)

// Keyed is a per-key mutual-exclusion marker with a bounded lifetime. A
// holder that never releases (crash, abandoned goroutine) stops blocking the
// key once the TTL passes, so a message can never be wedged for good.
type Keyed struct {
	mu  sync.Mutex
	ttl time.Duration
	set map[string]time.Time
}

func NewKeyed(ttl time.Duration) *Keyed {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Keyed{ttl: ttl, set: make(map[string]time.Time)}
}

// TryAcquire claims the key. Returns false while a live marker holds it.
func (k *Keyed) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if at, ok := k.set[key]; ok && now.Sub(at) < k.ttl {
		return false
	}
	k.set[key] = now
	return true
}

func (k *Keyed) Release(key string) {
	k.mu.Lock()
	delete(k.set, key)
	k.mu.Unlock()
}

// Held reports whether a live marker currently holds the key.
func (k *Keyed) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	at, ok := k.set[key]
	return ok && time.Since(at) < k.ttl
}
