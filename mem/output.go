package mem

import "github.com/chazu/tether/engine"

// Target is anything a reference can be rooted into: a frame, an output
// slot in an ancestor frame, or a reusable slot.
type Target interface {
	Root(p engine.Ptr) (Value, error)
}

// Output is a capability for one reserved slot in a frame. Rooting through
// it from a nested scope stores the value in the reserving (ancestor)
// frame, so the value stays live after the nested scope pops. An Output is
// single-use.
type Output struct {
	frame *Frame
	idx   int
	epoch uint64
	used  bool
	value engine.Ptr
}

// Root stores p in the reserved ancestor slot. It panics if the output was
// already used or its frame is gone; both are programming errors.
func (o *Output) Root(p engine.Ptr) (Value, error) {
	if o.used {
		panic("mem: output used twice")
	}
	if !o.frame.alive(o.epoch) {
		panic("mem: output outlived its frame")
	}
	o.frame.slots[o.idx] = p
	o.used = true
	o.value = p
	return Value{ptr: p, frame: o.frame, epoch: o.epoch}, nil
}

// Used reports whether the output has been consumed.
func (o *Output) Used() bool { return o.used }

// Value returns the rooted value. It panics if the output has not been
// used yet.
func (o *Output) Value() Value {
	if !o.used {
		panic("mem: output not yet used")
	}
	return Value{ptr: o.value, frame: o.frame, epoch: o.epoch}
}

// ReusableSlot is a capability for one reserved slot that may be rooted
// into repeatedly. Each use overwrites the slot: the previously rooted
// value is unrooted that instant, so no reference to it may be retained
// across a reuse.
type ReusableSlot struct {
	frame *Frame
	idx   int
	epoch uint64
}

// Root stores p in the slot, unrooting the previous occupant.
func (r *ReusableSlot) Root(p engine.Ptr) (Value, error) {
	if !r.frame.alive(r.epoch) {
		panic("mem: reusable slot outlived its frame")
	}
	r.frame.slots[r.idx] = p
	return Value{ptr: p, frame: r.frame, epoch: r.epoch}, nil
}

// Clear unroots the slot's current occupant without storing a new value.
func (r *ReusableSlot) Clear() {
	if !r.frame.alive(r.epoch) {
		return
	}
	r.frame.slots[r.idx] = 0
}
