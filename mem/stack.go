// Package mem implements the shadow-stack rooting discipline.
//
// Engine heap data is kept alive by rooting it in a frame: a run of slots
// linked onto a per-thread chain the engine's collector walks. Frames obey
// strict LIFO order, created by scope functions that guarantee the matching
// pop on every exit path. A value rooted in a frame is valid until that
// frame is popped; a value that must outlive its scope is rooted into an
// ancestor frame through an Output or ReusableSlot.
package mem

import (
	"errors"
	"fmt"

	"github.com/chazu/tether/engine"
)

// ErrFrameFull is returned when rooting into a fixed-capacity frame whose
// slots are all taken.
var ErrFrameFull = errors.New("mem: frame is full")

// ExceptionError is an engine exception converted into a Go error by a
// checked call or by rt.Catch. The exception object itself is only valid
// inside the handler scope that rooted it; Message survives.
type ExceptionError struct {
	Exc     engine.Ptr
	Message string
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("engine exception: %s", e.Message)
}

// Stack ties one goroutine's frame chain to an engine thread state. It is
// the entry point for creating scopes. A Stack must only be used from the
// goroutine that owns its thread state.
type Stack struct {
	eng engine.Engine
	th  engine.Thread
}

// NewStack wraps an engine thread state.
func NewStack(eng engine.Engine, th engine.Thread) *Stack {
	return &Stack{eng: eng, th: th}
}

// Engine returns the engine instance this stack belongs to.
func (s *Stack) Engine() engine.Engine { return s.eng }

// Thread returns the engine thread state this stack belongs to.
func (s *Stack) Thread() engine.Thread { return s.th }

// push links f as the new top of the thread's frame chain. The frame's
// slots were zeroed at allocation, before this call makes them reachable,
// so a collection triggered at any later safepoint sees null roots rather
// than garbage.
func (s *Stack) push(f *Frame) {
	f.prev = s.th.FrameHead()
	f.linked = true
	s.th.SetFrameHead(f)
}

// pop unlinks f. f must be the top of the chain; popping any other frame
// would corrupt root discovery for every frame above it.
func (s *Stack) pop(f *Frame) {
	if head, ok := s.th.FrameHead().(*Frame); !ok || head != f {
		panic("mem: frame popped out of order")
	}
	s.th.SetFrameHead(f.prev)
	f.linked = false
	f.epoch++
}

// LocalScope creates a fixed-capacity frame, runs fn with it, and pops the
// frame when fn returns on any path, including a panic unwinding through
// it. Rooting more than capacity values in the frame fails with
// ErrFrameFull.
//
// An engine exception raised through the unchecked call path is not a
// native panic: it skips deferred cleanup between the throw point and the
// nearest trampoline. Code that can throw must either use checked calls or
// run under rt.Catch.
func (s *Stack) LocalScope(capacity int, fn func(f *Frame) error) error {
	f := newLocalFrame(s, capacity)
	s.push(f)
	defer s.pop(f)
	return fn(f)
}

// UnsizedLocalScope is LocalScope with a capacity chosen at run time
// rather than known up front by the caller's structure. The frame is still
// fixed-size once created.
func (s *Stack) UnsizedLocalScope(capacity int, fn func(f *Frame) error) error {
	return s.LocalScope(capacity, fn)
}

// Scope creates a dynamically-growable frame, runs fn with it, and pops
// the frame when fn returns. Rooting never fails for lack of capacity; the
// frame falls back to heap-backed growth at the cost of an occasional
// reallocation.
func (s *Stack) Scope(fn func(f *Frame) error) error {
	f := newDynamicFrame(s)
	s.push(f)
	defer s.pop(f)
	return fn(f)
}

// PushPersistent creates and links a fixed-capacity frame that outlives
// any single function call: async workers pre-allocate their slot frames
// this way and keep them linked for the worker's lifetime. The caller owns
// the matching PopPersistent, in LIFO order with every other frame on this
// stack.
func (s *Stack) PushPersistent(capacity int) *Frame {
	f := newLocalFrame(s, capacity)
	s.push(f)
	return f
}

// PopPersistent unlinks a frame created with PushPersistent. The frame
// must be the top of this stack's chain.
func (s *Stack) PopPersistent(f *Frame) {
	s.pop(f)
}
