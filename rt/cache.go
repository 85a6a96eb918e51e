package rt

import (
	"sync"

	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/mem"
)

// Key identifies a cached resolution: a well-known global or a
// type-construction request.
type Key struct {
	Kind   string // "global", "type"
	Module string
	Name   string
}

// GlobalKey builds the cache key for a module global.
func GlobalKey(module, name string) Key {
	return Key{Kind: "global", Module: module, Name: name}
}

// TypeKey builds the cache key for a type-construction request.
func TypeKey(name string) Key {
	return Key{Kind: "type", Name: name}
}

// Cache is a process-wide table of previously resolved heap references,
// plus the secondary root set that keeps cached entries alive. Every entry
// inserted into the table is inserted into the root set before the lock is
// released, so there is no window in which a cached pointer is collectable.
//
// The dirty flag records whether any entry inserted since the last full
// root walk might not have survived a collection yet; while clean, an
// incremental collection may skip walking this root set entirely.
//
// Lock acquisition toggles the acquiring thread's GC-safe flag so a
// blocked waiter does not stall the collector.
type Cache struct {
	eng     engine.Engine
	mu      sync.RWMutex
	entries map[Key]engine.Ptr
	roots   []engine.Ptr
	dirty   bool
}

var (
	cacheMu sync.Mutex
	caches  = map[engine.Engine]*Cache{}
)

// CacheFor returns the process-wide cache for an engine instance,
// lazily creating it and registering it as a root source on first use.
// Pointers are only meaningful within one heap, so instances do not share
// a table.
func CacheFor(eng engine.Engine) *Cache {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if c, ok := caches[eng]; ok {
		return c
	}
	c := &Cache{eng: eng, entries: make(map[Key]engine.Ptr)}
	eng.AddRootSource(c)
	caches[eng] = c
	return c
}

// lockSafe takes the write lock with the thread marked GC-safe, so the
// collector can run while this thread blocks on the lock.
func (c *Cache) lockSafe(th engine.Thread) {
	var prev bool
	if th != nil {
		prev = th.SetGCSafe(true)
	}
	c.mu.Lock()
	if th != nil {
		th.SetGCSafe(prev)
	}
}

func (c *Cache) rlockSafe(th engine.Thread) {
	var prev bool
	if th != nil {
		prev = th.SetGCSafe(true)
	}
	c.mu.RLock()
	if th != nil {
		th.SetGCSafe(prev)
	}
}

// Get looks up a cached resolution.
func (c *Cache) Get(th engine.Thread, key Key) (engine.Ptr, bool) {
	c.rlockSafe(th)
	defer c.mu.RUnlock()
	p, ok := c.entries[key]
	return p, ok
}

// Put stores a resolution. The pointer joins the root set under the same
// critical section that publishes the entry; overwriting a key re-points
// that key's root at the new pointer, so the replaced one becomes
// collectable and the new one never is.
func (c *Cache) Put(th engine.Thread, key Key, p engine.Ptr) {
	c.lockSafe(th)
	defer c.mu.Unlock()
	if old, exists := c.entries[key]; exists {
		for i, r := range c.roots {
			if r == old {
				c.roots[i] = p
				break
			}
		}
	} else {
		c.roots = append(c.roots, p)
	}
	c.entries[key] = p
	c.dirty = true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Roots implements engine.RootSource.
func (c *Cache) Roots() []engine.Ptr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]engine.Ptr, len(c.roots))
	copy(out, c.roots)
	return out
}

// MaybeSkip implements engine.RootSource: an incremental collection may
// skip this set when no young entries were inserted since the last walk.
func (c *Cache) MaybeSkip() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.dirty
}

// WalkDone is invoked by the collector after it walked this root set in a
// full collection; every entry has now been scanned at least once.
func (c *Cache) WalkDone(full bool) {
	if !full {
		return
	}
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
}

// Global resolves module.name, consulting the cache first and rooting the
// resolution in the cache's root set on a miss. The returned value is
// globally rooted for as long as it stays cached.
func (c *Cache) Global(th engine.Thread, module, name string) (mem.Value, error) {
	key := GlobalKey(module, name)
	if p, ok := c.Get(th, key); ok {
		return mem.Global(p), nil
	}

	// Resolution happens outside the cache lock: the lookup may allocate
	// and hit a safepoint.
	eng := c.eng
	mod, err := eng.Module(module)
	if err != nil {
		return mem.Value{}, err
	}
	p, err := eng.GlobalLookup(mod, eng.Intern(name))
	if err != nil {
		return mem.Value{}, err
	}

	c.Put(th, key, p)
	return mem.Global(p), nil
}
