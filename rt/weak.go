package rt

import (
	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/mem"
)

// WeakHandle references engine heap data without rooting it. The target
// may be collected at any safepoint; Get re-roots it if it is still alive.
type WeakHandle struct {
	ref engine.WeakRef
}

// NewWeakHandle creates a weak handle to a rooted value. It requires the
// runtime handle's thread to be active with the engine; outside that
// context the engine cannot register the weak reference and
// ErrIncorrectState is returned.
func NewWeakHandle(r *Runtime, v mem.Value) (*WeakHandle, error) {
	if r == nil || r.th == nil {
		return nil, ErrIncorrectState
	}
	ref, err := r.eng.NewWeak(r.th, v.Ptr())
	if err != nil {
		return nil, ErrIncorrectState
	}
	return &WeakHandle{ref: ref}, nil
}

// IsAlive reports whether the target has not been collected.
func (w *WeakHandle) IsAlive() bool { return w.ref.IsAlive() }

// Get re-roots the target into target and returns it, or ErrCollected if
// the engine already reclaimed it.
func (w *WeakHandle) Get(target mem.Target) (mem.Value, error) {
	p := w.ref.Get()
	if p.IsNull() {
		return mem.Value{}, ErrCollected
	}
	return target.Root(p)
}
