package rt

import (
	"testing"

	"github.com/chazu/tether/engine/sim"
)

func TestCacheFor_OnePerInstance(t *testing.T) {
	a := sim.New()
	b := sim.New()

	if CacheFor(a) != CacheFor(a) {
		t.Fatal("same instance produced two caches")
	}
	if CacheFor(a) == CacheFor(b) {
		t.Fatal("distinct instances share a cache")
	}
}

func TestCachePut_EntryRooted(t *testing.T) {
	eng, r := newTestRuntime(t)
	c := CacheFor(eng)

	p := eng.BoxInt64(42)
	c.Put(r.Thread(), GlobalKey("Main", "x"), p)

	eng.Collect(true)
	if !eng.Alive(p) {
		t.Fatal("cached entry was collected")
	}

	got, ok := c.Get(r.Thread(), GlobalKey("Main", "x"))
	if !ok || got != p {
		t.Fatalf("Get: got %#x/%v, want the cached pointer", uintptr(got), ok)
	}
}

func TestCachePut_OverwriteRerootsEntry(t *testing.T) {
	eng, r := newTestRuntime(t)
	c := CacheFor(eng)

	key := GlobalKey("Main", "x")
	old := eng.BoxInt64(1)
	c.Put(r.Thread(), key, old)
	p := eng.BoxInt64(2)
	c.Put(r.Thread(), key, p)

	eng.Collect(true)
	if !eng.Alive(p) {
		t.Fatal("cached pointer was collected while cached")
	}
	if eng.Alive(old) {
		t.Fatal("replaced pointer is still rooted")
	}
	if got, ok := c.Get(r.Thread(), key); !ok || got != p {
		t.Fatalf("Get: got %#x/%v, want the overwriting pointer", uintptr(got), ok)
	}
}

func TestCache_DirtyUntilFullWalk(t *testing.T) {
	eng, r := newTestRuntime(t)
	c := CacheFor(eng)

	// Freshly created cache has nothing young to scan.
	if !c.MaybeSkip() {
		t.Fatal("empty cache not skippable")
	}

	c.Put(r.Thread(), GlobalKey("Main", "x"), eng.BoxInt64(1))
	if c.MaybeSkip() {
		t.Fatal("cache skippable right after an insert")
	}

	// An incremental collection must not skip the dirty set, and must not
	// lose the young entry.
	before := eng.Stats().SkippedWalks
	eng.Collect(false)
	if eng.Stats().SkippedWalks != before {
		t.Fatal("incremental collection skipped a dirty root set")
	}

	// A full walk cleans the flag; subsequent incremental collections may
	// skip.
	eng.Collect(true)
	if !c.MaybeSkip() {
		t.Fatal("cache still dirty after a full root walk")
	}
	eng.Collect(false)
	if eng.Stats().SkippedWalks != before+1 {
		t.Fatalf("clean cache was not skipped: %d skips, want %d", eng.Stats().SkippedWalks, before+1)
	}
}

func TestCache_SkippedEntrySurvivesIncremental(t *testing.T) {
	eng, r := newTestRuntime(t)
	c := CacheFor(eng)

	p := eng.BoxInt64(9)
	c.Put(r.Thread(), GlobalKey("Main", "y"), p)
	eng.Collect(true)  // scans and cleans
	eng.Collect(false) // skips the clean set

	if !eng.Alive(p) {
		t.Fatal("entry died during a collection that skipped its root set")
	}
}
