// Package sim is an in-process simulated engine.
//
// It implements engine.Engine with a real tagged-object heap, per-thread
// frame chains and a mark-style collector that walks exactly the roots the
// ABI makes visible. It exists so the binding's rooting discipline, catch
// bridge and task scheduling can be exercised without linking a native
// runtime: a value that was not properly rooted genuinely disappears at the
// next collection, and dereferencing it fails loudly.
//
// The simulator is not a language implementation. Functions are native
// callbacks registered through RegisterFunc, Include only records the
// loaded path, and the "green scheduler" behind Safepoint is a counter
// that optionally triggers collections.
package sim

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/chazu/tether/engine"
)

// Engine is a simulated engine instance. The zero value is not usable;
// call New.
type Engine struct {
	mu sync.Mutex

	initialized bool
	shutdown    bool

	heap    map[engine.Ptr]*object
	nextPtr engine.Ptr
	gen     uint64 // bumped per collection; allocations record the current one

	// Globally rooted data: interned symbols, modules, registered
	// functions. Never collected.
	globals map[engine.Ptr]struct{}
	symbols map[string]engine.Ptr
	modules map[string]engine.Ptr

	threads     []*thread
	rootSources []engine.RootSource
	weaks       []*weakRef

	included []string

	poolResize func(delta int)

	// collectEvery triggers a full collection every n-th Safepoint when
	// nonzero. Off by default so tests control collection points.
	collectEvery  int
	safepointHits int

	threadCount int

	stats Stats
}

// Stats counts collector and scheduler activity, for tests and tetherctl.
type Stats struct {
	Collections   uint64
	FullRootWalks uint64
	SkippedWalks  uint64
	Safepoints    uint64
	ObjectsSwept  uint64
}

// New creates an uninitialized simulated engine instance.
func New() *Engine {
	return &Engine{
		heap:    make(map[engine.Ptr]*object),
		nextPtr: 1,
		globals: make(map[engine.Ptr]struct{}),
		symbols: make(map[string]engine.Ptr),
		modules: make(map[string]engine.Ptr),
	}
}

type thread struct {
	eng    *Engine
	head   engine.RootFrame
	gcSafe bool
}

func (t *thread) FrameHead() engine.RootFrame { return t.head }

func (t *thread) SetFrameHead(f engine.RootFrame) { t.head = f }

func (t *thread) SetGCSafe(safe bool) bool {
	prev := t.gcSafe
	t.gcSafe = safe
	return prev
}

// Init implements engine.Engine.
func (e *Engine) Init() (engine.Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil, engine.ErrAlreadyInitialized
	}
	e.initialized = true

	e.threadCount = 1
	if s := os.Getenv("TETHER_ENGINE_THREADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			e.threadCount = n
		}
	}

	// Bootstrap the root module so lookups have somewhere to land.
	e.internModuleLocked("Main")
	e.internModuleLocked("Core")

	return e.adoptLocked(), nil
}

// AdoptThread implements engine.Engine.
func (e *Engine) AdoptThread() (engine.Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.shutdown {
		return nil, engine.ErrNotInitialized
	}
	return e.adoptLocked(), nil
}

func (e *Engine) adoptLocked() *thread {
	t := &thread{eng: e}
	e.threads = append(e.threads, t)
	return t
}

// Shutdown implements engine.Engine.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return engine.ErrNotInitialized
	}
	if e.shutdown {
		return engine.ErrNotInitialized
	}
	e.shutdown = true
	e.heap = make(map[engine.Ptr]*object)
	e.threads = nil
	return nil
}

// ThreadCount implements engine.Engine.
func (e *Engine) ThreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threadCount
}

// SetPoolResizeHandler implements engine.Engine.
func (e *Engine) SetPoolResizeHandler(fn func(delta int)) {
	e.mu.Lock()
	e.poolResize = fn
	e.mu.Unlock()
}

// RequestPoolResize simulates engine-side code asking the native side to
// resize its worker pool.
func (e *Engine) RequestPoolResize(delta int) {
	e.mu.Lock()
	fn := e.poolResize
	e.mu.Unlock()
	if fn != nil {
		fn(delta)
	}
}

// AddRootSource implements engine.Engine.
func (e *Engine) AddRootSource(src engine.RootSource) {
	e.mu.Lock()
	e.rootSources = append(e.rootSources, src)
	e.mu.Unlock()
}

// NotifyWake implements engine.Engine. The simulator's scheduler has
// nothing to wake, so this only needs to be safe from any thread.
func (e *Engine) NotifyWake() {}

// Safepoint implements engine.Engine.
func (e *Engine) Safepoint(t engine.Thread) {
	e.mu.Lock()
	e.stats.Safepoints++
	e.safepointHits++
	collect := e.collectEvery > 0 && e.safepointHits%e.collectEvery == 0
	if collect {
		e.collectLocked(true)
	}
	e.mu.Unlock()
}

// SetCollectEvery makes every n-th Safepoint run a full collection.
// Zero disables safepoint-driven collection.
func (e *Engine) SetCollectEvery(n int) {
	e.mu.Lock()
	e.collectEvery = n
	e.mu.Unlock()
}

// Include implements engine.Engine. The simulator records the path so
// tests can assert registration tasks ran; it does not evaluate anything.
func (e *Engine) Include(t engine.Thread, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("include %s: %w", path, err)
	}
	e.mu.Lock()
	e.included = append(e.included, path)
	e.mu.Unlock()
	return nil
}

// Included returns the paths loaded through Include, in order.
func (e *Engine) Included() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.included))
	copy(out, e.included)
	return out
}

// Stats returns a snapshot of collector and scheduler counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
