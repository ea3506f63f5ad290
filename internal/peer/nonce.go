package peer

import (
	"fmt"
	"sync"
	"time"
)

const (
	// ReplayWindow bounds how far a remote envelope's timestamp may drift
	// from the local clock before it is rejected.
	ReplayWindow = 300 * time.Second

	// NonceTTL is how long a seen nonce is remembered to de-duplicate
	// replays within the window.
	NonceTTL = 600 * time.Second
)

// NonceCache rejects replayed or stale envelopes.
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewNonceCache creates an empty cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{seen: map[string]time.Time{}}
}

// Check validates timestamp against the replay window and rejects a nonce
// already seen within NonceTTL, recording it if accepted.
func (c *NonceCache) Check(nonce string, timestamp int64) error {
	now := time.Now()
	ts := time.Unix(timestamp, 0)
	if now.Sub(ts).Abs() > ReplayWindow {
		return fmt.Errorf("envelope timestamp %s is outside the ±%s replay window", ts, ReplayWindow)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)
	if seenAt, ok := c.seen[nonce]; ok && now.Sub(seenAt) < NonceTTL {
		return fmt.Errorf("nonce %s already seen", nonce)
	}
	c.seen[nonce] = now
	return nil
}

func (c *NonceCache) evictLocked(now time.Time) {
	for n, seenAt := range c.seen {
		if now.Sub(seenAt) >= NonceTTL {
			delete(c.seen, n)
		}
	}
}
