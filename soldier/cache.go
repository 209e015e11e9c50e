package soldier

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/tricortex/tricortex/core"
)

// decisionCache is a TTL cache keyed by market fingerprint. Entries older
// than the TTL are unobservable; when the cache grows past its bound the
// oldest entry is evicted.
type decisionCache struct {
	mu       sync.Mutex
	entries  map[uint64]*list.Element
	order    *list.List // front = oldest
	ttl      time.Duration
	maxSize  int
	hits     int64
	misses   int64
}

type cacheEntry struct {
	key      uint64
	decision *core.SoldierDecision
	storedAt time.Time
}

func newDecisionCache(ttl time.Duration, maxSize int) *decisionCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &decisionCache{
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// fingerprint derives a stable cache key from the symbol and a
// canonicalized market snapshot (keys sorted, values fixed-format).
func fingerprint(symbol string, marketData map[string]float64) uint64 {
	keys := make([]string, 0, len(marketData))
	for k := range marketData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	h.Write([]byte(symbol))
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%.8f", k, marketData[k])
	}
	return h.Sum64()
}

// get returns a live cached decision or nil.
func (c *decisionCache) get(key uint64) *core.SoldierDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.storedAt) >= c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.misses++
		return nil
	}
	c.hits++
	return entry.decision
}

// put inserts a decision, evicting the oldest entry past the size bound.
func (c *decisionCache) put(key uint64, decision *core.SoldierDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}

	elem := c.order.PushBack(&cacheEntry{key: key, decision: decision, storedAt: time.Now()})
	c.entries[key] = elem

	for len(c.entries) > c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *decisionCache) stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
