package position

import (
	"sync"
	"time"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Blacklist is the session-scoped mint blacklist. Mints land here when a
// position FAILs and stay for the configured duration. Cleared on restart by
// construction; single writer (the position manager), many readers.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[types.MintAddress]time.Time // expiry
}

// NewBlacklist creates an empty session blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{entries: make(map[types.MintAddress]time.Time)}
}

// Add blacklists a mint for d.
func (b *Blacklist) Add(mint types.MintAddress, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[mint] = time.Now().Add(d)
}

// Contains reports whether a mint is currently blacklisted. Expired entries
// are pruned lazily.
func (b *Blacklist) Contains(mint types.MintAddress) bool {
	b.mu.RLock()
	expiry, ok := b.entries[mint]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		b.mu.Lock()
		delete(b.entries, mint)
		b.mu.Unlock()
		return false
	}
	return true
}

// Len reports the live entry count.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
