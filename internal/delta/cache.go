package delta

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"spaceship-sync/internal/state"
)

type entryKey struct {
	stream     string
	id         string
	collection bool
}

// entry is the last transmitted state of one entity within one stream.
// mu is held for the whole of a computation so calls for the same key are
// serialised; evicted is set under mu by the sweep.
type entry struct {
	mu sync.Mutex

	seen     bool
	snapshot state.State
	items    []state.State
	version  uint64
	evicted  bool

	lastUpdate atomic.Int64 // unix nanos
}

func (e *entry) touch(now time.Time) {
	e.lastUpdate.Store(now.UnixNano())
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[entryKey]*entry
}

// entityCache splits entries over shards so unrelated keys only meet on a
// short map lookup.
type entityCache struct {
	shards []*cacheShard
}

func newEntityCache(shards int) *entityCache {
	if shards <= 0 {
		shards = 1
	}
	c := &entityCache{shards: make([]*cacheShard, shards)}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[entryKey]*entry)}
	}
	return c
}

func (c *entityCache) shardFor(k entryKey) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(k.stream))
	h.Write([]byte{0})
	h.Write([]byte(k.id))
	return c.shards[int(h.Sum32()%uint32(len(c.shards)))]
}

// acquire returns the entry for k with its mutex held, creating it if needed.
func (c *entityCache) acquire(k entryKey) *entry {
	sh := c.shardFor(k)
	for {
		sh.mu.RLock()
		e := sh.entries[k]
		sh.mu.RUnlock()
		if e == nil {
			sh.mu.Lock()
			e = sh.entries[k]
			if e == nil {
				e = &entry{}
				sh.entries[k] = e
			}
			sh.mu.Unlock()
		}
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		// Lost a race with the sweep; the shard map no longer holds e.
		e.mu.Unlock()
	}
}

// sweep drops entries last written before cutoff. Each shard map is rebuilt
// and swapped in; entries that are mid-computation are left alone.
func (c *entityCache) sweep(cutoff time.Time) int {
	limit := cutoff.UnixNano()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		next := make(map[entryKey]*entry, len(sh.entries))
		for k, e := range sh.entries {
			if e.lastUpdate.Load() < limit && e.mu.TryLock() {
				e.evicted = true
				e.mu.Unlock()
				removed++
				continue
			}
			next[k] = e
		}
		sh.entries = next
		sh.mu.Unlock()
	}
	return removed
}

// dropStream removes every entry of one stream regardless of age.
func (c *entityCache) dropStream(stream string) int {
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if k.stream != stream {
				continue
			}
			e.mu.Lock()
			e.evicted = true
			e.mu.Unlock()
			delete(sh.entries, k)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

func (c *entityCache) len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

func (c *entityCache) lastUpdate(k entryKey) (time.Time, bool) {
	sh := c.shardFor(k)
	sh.mu.RLock()
	e, ok := sh.entries[k]
	sh.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, e.lastUpdate.Load()), true
}
