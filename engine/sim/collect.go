package sim

import "github.com/chazu/tether/engine"

// Collect runs a collection. A full collection walks every root source; an
// incremental one may skip sources whose MaybeSkip reports nothing young.
// Unreachable objects are removed from the heap, so any reference to them
// becomes detectably dangling.
func (e *Engine) Collect(full bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectLocked(full)
}

func (e *Engine) collectLocked(full bool) int {
	e.stats.Collections++

	marked := make(map[engine.Ptr]bool, len(e.globals))

	var mark func(p engine.Ptr)
	mark = func(p engine.Ptr) {
		if p.IsNull() || marked[p] {
			return
		}
		o, ok := e.heap[p]
		if !ok {
			return
		}
		marked[p] = true
		o.marked = true
		mark(o.elem)
		for _, c := range o.elems {
			mark(c)
		}
		for s, v := range o.bindings {
			mark(s)
			mark(v)
		}
	}

	for p := range e.globals {
		mark(p)
	}
	for _, t := range e.threads {
		for f := t.head; f != nil; f = f.Prev() {
			for _, p := range f.Roots() {
				mark(p)
			}
		}
	}
	for _, src := range e.rootSources {
		if !full && src.MaybeSkip() {
			e.stats.SkippedWalks++
			continue
		}
		e.stats.FullRootWalks++
		for _, p := range src.Roots() {
			mark(p)
		}
		// A walked source's young entries have now been scanned once.
		if s, ok := src.(interface{ WalkDone(full bool) }); ok {
			s.WalkDone(full)
		}
	}

	// A full collection sweeps everything unmarked. An incremental one
	// only sweeps young objects: old data may be reachable from a skipped
	// root source, which is exactly why that source was allowed to skip.
	swept := 0
	for p, o := range e.heap {
		if o.marked {
			o.marked = false
			continue
		}
		if !full && o.gen < e.gen {
			continue
		}
		delete(e.heap, p)
		swept++
	}

	for _, w := range e.weaks {
		if w.alive() {
			if _, ok := e.heap[w.target]; !ok {
				w.clear()
			}
		}
	}

	e.gen++
	e.stats.ObjectsSwept += uint64(swept)
	return swept
}

// CollectRoots returns every root currently visible to the collector, in
// walk order: per-thread frame chains top-down, then secondary root
// sources. Globally rooted data (symbols, modules) is not included. Tests
// use this to check the frame LIFO invariant.
func (e *Engine) CollectRoots() []engine.Ptr {
	e.mu.Lock()
	defer e.mu.Unlock()

	var roots []engine.Ptr
	for _, t := range e.threads {
		for f := t.head; f != nil; f = f.Prev() {
			for _, p := range f.Roots() {
				if !p.IsNull() {
					roots = append(roots, p)
				}
			}
		}
	}
	for _, src := range e.rootSources {
		for _, p := range src.Roots() {
			if !p.IsNull() {
				roots = append(roots, p)
			}
		}
	}
	return roots
}

// Alive reports whether p still refers to a live heap object.
func (e *Engine) Alive(p engine.Ptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.heap[p]
	return ok
}

// HeapLen returns the number of live heap objects.
func (e *Engine) HeapLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.heap)
}

type weakRef struct {
	eng    *Engine
	target engine.Ptr
	dead   bool
}

func (w *weakRef) alive() bool { return !w.dead }
func (w *weakRef) clear()      { w.dead = true }

func (w *weakRef) Get() engine.Ptr {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	if w.dead {
		return 0
	}
	return w.target
}

func (w *weakRef) IsAlive() bool {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	return !w.dead
}

// NewWeak implements engine.Engine. It requires a thread state: weak
// handles may only be created while the engine has the calling thread
// marked active.
func (e *Engine) NewWeak(t engine.Thread, p engine.Ptr) (engine.WeakRef, error) {
	if t == nil {
		return nil, engine.ErrNotInitialized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.heap[p]; !ok {
		return nil, engine.ErrUndefined
	}
	w := &weakRef{eng: e, target: p}
	e.weaks = append(e.weaks, w)
	return w, nil
}
