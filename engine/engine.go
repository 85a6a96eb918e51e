// Package engine defines the C-style ABI surface of the embedded runtime.
//
// The embedded runtime ("the engine") is an external, garbage-collected,
// dynamically-typed interpreter. tether never owns its heap; it only holds
// references into it and keeps those references alive by publishing them on
// a shadow stack the engine's collector walks. This package describes the
// narrow surface the rest of tether is written against: opaque heap
// pointers, object type tags, boxing primitives, the call trampoline, the
// frame-chain push/pop ABI and the write barrier.
//
// Everything here is deliberately low-level. Safe, scoped access lives in
// the mem and rt packages.
package engine

// Ptr is an opaque reference to an object on the engine heap. The zero
// value is the null reference. A Ptr carries no rooting information; unless
// it is reachable from a linked frame (or globally rooted, like modules and
// interned symbols) the engine is free to collect it at the next safepoint.
type Ptr uintptr

// IsNull reports whether p is the null reference.
func (p Ptr) IsNull() bool { return p == 0 }

// Thread is the engine-visible state of one adopted thread. Every call
// into the engine must happen on a thread that has such a state, and each
// state must only ever be used from the goroutine (locked to its OS thread)
// that created it.
type Thread interface {
	// FrameHead returns the top of this thread's frame chain, or nil if
	// the chain is empty.
	FrameHead() RootFrame

	// SetFrameHead installs f as the new top of the frame chain. This is
	// the raw push/pop ABI: pushing links a frame whose Prev is the current
	// head, popping reinstalls the previous head. No validation is
	// performed at this level.
	SetFrameHead(f RootFrame)

	// SetGCSafe marks the thread as safe (or unsafe) for the collector to
	// run while the thread is blocked outside engine code. It returns the
	// previous state so callers can restore it.
	SetGCSafe(safe bool) bool
}

// RootFrame is one frame of the shadow stack: a run of root slots plus a
// link to the frame pushed before it. The collector walks the chain from
// Thread.FrameHead through Prev links and treats every non-null slot as a
// live root.
type RootFrame interface {
	// Roots returns the frame's currently occupied root slots. Slots must
	// be zeroed before the frame becomes reachable from the chain; the
	// collector may run concurrently with slot population.
	Roots() []Ptr

	// Prev returns the frame below this one, or nil.
	Prev() RootFrame
}

// RootSource is a secondary root set walked in addition to the per-thread
// frame chains, used for process-wide caches. MaybeSkip reports whether an
// incremental collection may skip this source entirely (nothing young in
// it); a full collection always walks it.
type RootSource interface {
	Roots() []Ptr
	MaybeSkip() bool
}

// NativeFunc is a native function exposed to the engine. It runs on an
// engine thread with args rooted by the caller. Returning an Exception-
// tagged Ptr via Throw (panicking with Thrown) propagates as an engine
// exception; any other panic is a native panic and crosses the trampoline
// unchanged.
type NativeFunc func(t Thread, args []Ptr) Ptr

// Engine is the complete ABI surface tether needs from an embedded
// runtime. One Engine value corresponds to one interpreter instance; an
// instance must only be driven from a single OS thread at a time.
type Engine interface {
	// Init initializes the instance. It must be called exactly once, on
	// the thread that will become the instance's main thread, and returns
	// that thread's state.
	Init() (Thread, error)

	// AdoptThread registers the calling thread with an already-initialized
	// instance. This is the callback scenario: native code invoked from
	// the engine rather than the engine embedded by native code.
	AdoptThread() (Thread, error)

	// Shutdown runs the engine's exit hook and tears the instance down.
	// No calls may follow it.
	Shutdown() error

	// TagOf reads the type tag out of an object header. This is a
	// fast-path accessor; it does not validate p.
	TagOf(p Ptr) TypeTag

	// Boxing primitives, one per fixed-size numeric type.
	BoxBool(v bool) Ptr
	BoxInt8(v int8) Ptr
	BoxInt16(v int16) Ptr
	BoxInt32(v int32) Ptr
	BoxInt64(v int64) Ptr
	BoxUInt8(v uint8) Ptr
	BoxUInt16(v uint16) Ptr
	BoxUInt32(v uint32) Ptr
	BoxUInt64(v uint64) Ptr
	BoxFloat32(v float32) Ptr
	BoxFloat64(v float64) Ptr

	// Unbox reads a boxed primitive back out. It returns an error if p is
	// not a boxed primitive of a fixed-size type.
	Unbox(p Ptr) (any, error)

	// NewString allocates an engine string.
	NewString(s string) Ptr

	// NewArray allocates an array with the given element type and
	// dimensions. The result is unrooted.
	NewArray(elem Ptr, dims []int) (Ptr, error)

	// NewStruct allocates an instance of a composite type with the given
	// field values. The result is unrooted.
	NewStruct(typ Ptr, fields ...Ptr) (Ptr, error)

	// Array fast-path accessors, bypassing the generic call surface.
	ArrayLen(arr Ptr) int
	ArrayDims(arr Ptr) []int
	ArrayElem(arr Ptr, i int) Ptr
	ArraySetElem(t Thread, arr Ptr, i int, v Ptr)

	// Intern returns the interned, globally-rooted symbol for name.
	Intern(name string) Ptr

	// SymbolName returns the name of an interned symbol.
	SymbolName(sym Ptr) string

	// Module resolves a loaded, globally-rooted module by name.
	Module(name string) (Ptr, error)

	// GlobalLookup resolves a global binding in a module by interned
	// symbol.
	GlobalLookup(module, sym Ptr) (Ptr, error)

	// RegisterFunc exposes a native function to the engine under the
	// given name and returns a callable, globally-rooted function object.
	RegisterFunc(name string, fn NativeFunc) Ptr

	// Call invokes fn with args on t. This is the unchecked fast path: if
	// the call throws, the engine's unwind is surfaced as a panic with a
	// Thrown payload, which skips native cleanup between the call site and
	// whatever trampoline catches it. Use CallChecked unless a bridge
	// (rt.Catch) is installed above the call.
	Call(t Thread, fn Ptr, args ...Ptr) Ptr

	// CallChecked invokes fn through the exception trampoline. A thrown
	// engine exception is caught at the C level, before any native frames
	// would be unwound, and returned as exc. Exactly one of result and exc
	// is non-null (a call returning the engine's nothing-value yields a
	// null result and a null exc).
	CallChecked(t Thread, fn Ptr, args ...Ptr) (result, exc Ptr)

	// ExceptionMessage renders a caught exception object.
	ExceptionMessage(exc Ptr) string

	// WriteBarrier records a pointer store from parent to child, required
	// after mutating an older object to reference a newer one.
	WriteBarrier(t Thread, parent, child Ptr)

	// NeedsBarrier is the engine's young/old predicate for parent/child
	// stores. Its exact threshold is internal to the engine's collector.
	NeedsBarrier(parent, child Ptr) bool

	// Safepoint gives the engine an opportunity to run its collector and
	// its own green threads. Workers call this periodically while idle.
	Safepoint(t Thread)

	// NotifyWake wakes the engine's scheduler from another thread. It is
	// the only engine entry point that may be called from a thread without
	// a Thread state.
	NotifyWake()

	// Include loads and evaluates a source file on t.
	Include(t Thread, path string) error

	// AddRootSource registers a secondary root set (see RootSource).
	AddRootSource(src RootSource)

	// NewWeak creates a weak reference to p: it does not keep p alive, and
	// IsAlive flips to false once p is collected.
	NewWeak(t Thread, p Ptr) (WeakRef, error)

	// SetPoolResizeHandler installs the callback invoked when engine-side
	// code asks the native side to resize its worker pool. This is the one
	// piece of native scheduler state the engine may mutate.
	SetPoolResizeHandler(fn func(delta int))

	// ThreadCount reports the number of internal threads the engine was
	// started with. This is controlled by the engine's own environment
	// variable at process start; tether only queries it.
	ThreadCount() int
}

// WeakRef is a reference that does not root its target.
type WeakRef interface {
	// Get returns the target, or the null Ptr if it has been collected.
	Get() Ptr

	// IsAlive reports whether the target has not been collected.
	IsAlive() bool
}

// Thrown is the panic payload used when an engine exception unwinds
// through native code. It is the Go rendering of the engine's longjmp-style
// unwind: raising it skips every native frame between the throw point and
// the nearest trampoline, so nothing requiring cleanup other than deferred
// frame pops may sit in between. rt.Catch recovers it and converts it into
// an error.
type Thrown struct {
	// Exc is the thrown exception object. It is unrooted; the trampoline
	// that catches it must root it before inspecting it.
	Exc Ptr
}

// Throw raises exc as an engine exception.
func Throw(exc Ptr) {
	panic(Thrown{Exc: exc})
}
