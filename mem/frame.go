package mem

import "github.com/chazu/tether/engine"

// minFrameCapacity is the smallest slot count a frame is created with.
const minFrameCapacity = 16

// minPageSize is the initial slot count of a dynamic frame's backing
// store.
const minPageSize = 64

// Frame is a contiguous run of root slots on a thread's frame chain. The
// collector treats every non-null slot of a linked frame as a live root.
//
// A frame is exclusively owned by the scope that created it and must never
// escape it. Local frames have a fixed capacity; dynamic frames grow.
type Frame struct {
	stack   *Stack
	slots   []engine.Ptr
	n       int // high-water mark: rooted values plus reserved slots
	prev    engine.RootFrame
	dynamic bool
	linked  bool
	epoch   uint64 // bumped on pop/reset; outstanding handles check it
}

func newLocalFrame(s *Stack, capacity int) *Frame {
	if capacity < minFrameCapacity {
		capacity = minFrameCapacity
	}
	return &Frame{
		stack: s,
		slots: make([]engine.Ptr, capacity),
	}
}

func newDynamicFrame(s *Stack) *Frame {
	return &Frame{
		stack:   s,
		slots:   make([]engine.Ptr, minPageSize),
		dynamic: true,
	}
}

// Roots implements engine.RootFrame. Only the populated prefix is exposed;
// reserved-but-unset slots are visible as null roots.
func (f *Frame) Roots() []engine.Ptr { return f.slots[:f.n] }

// Prev implements engine.RootFrame.
func (f *Frame) Prev() engine.RootFrame { return f.prev }

// NRoots returns the number of occupied (rooted or reserved) slots.
func (f *Frame) NRoots() int { return f.n }

// Capacity returns the number of values this frame can root before Root
// fails (local frames) or the backing store grows (dynamic frames).
func (f *Frame) Capacity() int { return len(f.slots) }

// Stack returns the stack this frame was created on.
func (f *Frame) Stack() *Stack { return f.stack }

// reserve claims the next slot, growing a dynamic frame if needed.
func (f *Frame) reserve() (int, error) {
	if f.n == len(f.slots) {
		if !f.dynamic {
			return 0, ErrFrameFull
		}
		grown := make([]engine.Ptr, 2*len(f.slots))
		copy(grown, f.slots)
		f.slots = grown
	}
	idx := f.n
	f.n++
	return idx, nil
}

// Root stores p in the next free slot, making it visible to the collector
// from this instant until the frame is popped.
func (f *Frame) Root(p engine.Ptr) (Value, error) {
	idx, err := f.reserve()
	if err != nil {
		return Value{}, err
	}
	f.slots[idx] = p
	return Value{ptr: p, frame: f, epoch: f.epoch}, nil
}

// Output reserves one slot in this frame and returns a capability for a
// nested scope to root a value here, letting that value outlive the nested
// scope. The slot stays null (and collector-invisible as a root) until the
// output is used.
func (f *Frame) Output() (*Output, error) {
	idx, err := f.reserve()
	if err != nil {
		return nil, err
	}
	return &Output{frame: f, idx: idx, epoch: f.epoch}, nil
}

// ReusableSlot reserves one slot like Output, but the capability may be
// used repeatedly. Each reuse overwrites the slot, immediately unrooting
// whatever was rooted there before.
func (f *Frame) ReusableSlot() (*ReusableSlot, error) {
	idx, err := f.reserve()
	if err != nil {
		return nil, err
	}
	return &ReusableSlot{frame: f, idx: idx, epoch: f.epoch}, nil
}

// Reset unroots everything in the frame without unlinking it. Outstanding
// values and slot capabilities are invalidated. Used by async workers that
// multiplex tasks over pre-allocated, permanently linked slot frames.
func (f *Frame) Reset() {
	for i := range f.slots[:f.n] {
		f.slots[i] = 0
	}
	f.n = 0
	f.epoch++
}

// alive reports whether a handle minted at the given epoch is still valid.
func (f *Frame) alive(epoch uint64) bool {
	return f.linked && f.epoch == epoch
}

// Scope runs fn with a nested dynamic frame, popped when fn returns.
func (f *Frame) Scope(fn func(nested *Frame) error) error {
	return f.stack.Scope(fn)
}

// LocalScope runs fn with a nested fixed-capacity frame, popped when fn
// returns.
func (f *Frame) LocalScope(capacity int, fn func(nested *Frame) error) error {
	return f.stack.LocalScope(capacity, fn)
}

// ValueScope runs fn with a nested frame and roots the reference fn
// returns in this frame, so the result survives the nested scope. This is
// the common relay: build intermediates in the child, keep one result in
// the parent.
func (f *Frame) ValueScope(capacity int, fn func(nested *Frame) (Ref, error)) (Value, error) {
	out, err := f.Output()
	if err != nil {
		return Value{}, err
	}
	err = f.stack.LocalScope(capacity, func(nested *Frame) error {
		ref, err := fn(nested)
		if err != nil {
			return err
		}
		out.Root(ref.ptr)
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	return out.Value(), nil
}

// WithLocalScope runs fn with a nested frame and a target output reserved
// in this frame, so code deep in the nested call chain can root its result
// directly here without relaying through every intermediate scope.
func (f *Frame) WithLocalScope(capacity int, fn func(nested *Frame, target *Output) error) (Value, error) {
	out, err := f.Output()
	if err != nil {
		return Value{}, err
	}
	err = f.stack.LocalScope(capacity, func(nested *Frame) error {
		return fn(nested, out)
	})
	if err != nil {
		return Value{}, err
	}
	return out.Value(), nil
}

// Call invokes fn through the checked trampoline and roots the result in
// this frame. A thrown engine exception is rooted here too and returned as
// an *ExceptionError.
func (f *Frame) Call(fn Value, args ...Value) (Value, error) {
	s := f.stack
	raw := make([]engine.Ptr, len(args))
	for i, a := range args {
		raw[i] = a.Ptr()
	}
	result, exc := s.eng.CallChecked(s.th, fn.Ptr(), raw...)
	if !exc.IsNull() {
		rooted, err := f.Root(exc)
		if err != nil {
			return Value{}, err
		}
		return Value{}, &ExceptionError{
			Exc:     rooted.Ptr(),
			Message: s.eng.ExceptionMessage(exc),
		}
	}
	if result.IsNull() {
		return Value{}, nil
	}
	return f.Root(result)
}
