package mem

import "github.com/chazu/tether/engine"

// Value is a rooted, non-owning reference to an engine heap object. Its
// validity is tied to the frame it is rooted in: the moment that frame is
// popped (or reset), the value is dead and dereferencing it panics.
// Globally-rooted data (modules, interned symbols) is represented with no
// owning frame and never dies.
type Value struct {
	ptr   engine.Ptr
	frame *Frame // nil for globally rooted data
	epoch uint64
}

// Global wraps a globally-rooted pointer (module, interned symbol,
// registered function) as a Value with no owning frame.
func Global(p engine.Ptr) Value {
	return Value{ptr: p}
}

// Valid reports whether the value's owning frame is still linked.
func (v Value) Valid() bool {
	if v.frame == nil {
		return !v.ptr.IsNull()
	}
	return v.frame.alive(v.epoch)
}

// IsNull reports whether this is the null reference.
func (v Value) IsNull() bool { return v.ptr.IsNull() }

// Ptr returns the raw engine pointer. It panics if the owning frame has
// been popped: a dead handle dereference is a rooting bug, not a
// recoverable condition.
func (v Value) Ptr() engine.Ptr {
	if v.frame != nil && !v.frame.alive(v.epoch) {
		panic("mem: value used after its frame was popped")
	}
	return v.ptr
}

// Ref downgrades the value to an unrooted reference. Always allowed; the
// caller gives up the liveness guarantee.
func (v Value) Ref() Ref { return Ref{ptr: v.ptr} }

// Ref is an unrooted reference to engine heap data: nothing protects the
// target from collection. A Ref must be rooted through a Target before the
// data is used, or upgraded with Assume if the caller can prove the data
// is still reachable some other way.
type Ref struct {
	ptr engine.Ptr
}

// NewRef wraps a raw pointer, typically one just returned by an
// allocation call and not yet rooted.
func NewRef(p engine.Ptr) Ref { return Ref{ptr: p} }

// IsNull reports whether this is the null reference.
func (r Ref) IsNull() bool { return r.ptr.IsNull() }

// RootInto roots the reference in the given target and returns the rooted
// value.
func (r Ref) RootInto(t Target) (Value, error) {
	return t.Root(r.ptr)
}

// Assume upgrades the reference to a raw pointer without rooting it. The
// caller carries the proof obligation that the data has not been collected
// since the reference was created.
func (r Ref) Assume() engine.Ptr { return r.ptr }
