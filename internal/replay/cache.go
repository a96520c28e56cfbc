// Package replay caches rendered writer responses so a client that lost a
// response in transit can retry the request without re-running its effect.
//
// Entries are keyed by the writer's sequence number and live until the
// client acknowledges them. Acknowledgements ride on later requests, so a
// client that stops sending them would grow the cache without bound; Put
// prunes entries that fall too far behind the newest writer once the cache
// holds more than PruneThreshold entries.
package replay

import (
	"bytes"
	"slices"
	"sync"
)

const (
	// PruneThreshold is the entry count above which Put prunes.
	PruneThreshold = 10

	// PruneDistance is how many seqs behind the inserted one an entry may
	// fall before it is pruned.
	PruneDistance = 5
)

// Cache is the per-session replay cache.
//
// Thread-safety: all methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64][]byte
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[uint64][]byte)}
}

// Put stores the response rendered for writer seq, replacing any previous
// one. The body is copied.
func (c *Cache) Put(seq uint64, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > PruneThreshold {
		for s := range c.entries {
			if s < seq && seq-s > PruneDistance {
				delete(c.entries, s)
			}
		}
	}
	c.entries[seq] = bytes.Clone(body)
}

// TryReplay returns the stored response for seq. The returned slice is a
// copy; callers may modify it.
func (c *Cache) TryReplay(seq uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, ok := c.entries[seq]
	if !ok {
		return nil, false
	}
	return bytes.Clone(body), true
}

// Acknowledge drops the entries the client reports as received and returns
// how many were present.
func (c *Cache) Acknowledge(seqs []uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, s := range seqs {
		if _, ok := c.entries[s]; ok {
			delete(c.entries, s)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of unacknowledged entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Seqs returns the cached sequence numbers in ascending order.
func (c *Cache) Seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	seqs := make([]uint64, 0, len(c.entries))
	for s := range c.entries {
		seqs = append(seqs, s)
	}
	slices.Sort(seqs)
	return seqs
}
