package realm

import (
	"sync"
	"time"
)

// Blacklist remembers peers that failed and excludes them until expiry.
type Blacklist struct {
	duration time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewBlacklist creates a blacklist holding peers for duration.
func NewBlacklist(duration time.Duration) *Blacklist {
	return &Blacklist{
		duration: duration,
		now:      time.Now,
		entries:  make(map[string]time.Time),
	}
}

// Add blacklists peer.
func (b *Blacklist) Add(peer string) {
	if b.duration <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[peer] = b.now().Add(b.duration)
}

// Allowed reports whether peer may be tried.
func (b *Blacklist) Allowed(peer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.entries[peer]
	if !ok {
		return true
	}
	if b.now().After(until) {
		delete(b.entries, peer)
		return true
	}
	return false
}

// Remove clears peer from the blacklist.
func (b *Blacklist) Remove(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, peer)
}

// Len returns the number of blacklisted peers, including expired ones not yet pruned.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
