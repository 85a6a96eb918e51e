package rt

import (
	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/mem"
)

// exceptionFrameCapacity is the size of the scratch scope a caught
// exception is rooted in while the handler inspects it.
const exceptionFrameCapacity = 16

// Catch runs body and funnels its three possible outcomes through one
// place:
//
//   - body returns normally: its result and error are returned as-is.
//   - body throws an engine exception (the unchecked call path unwinds
//     with an engine.Thrown panic): the exception object is caught here,
//     rooted in a fresh local scope so the collector cannot reclaim it,
//     and handed to handler; handler's error becomes Catch's error.
//   - body panics natively: the panic is re-raised once control is back
//     on this side of the boundary, preserving native unwinding semantics
//     instead of misreporting the panic as an engine exception.
//
// There is no path that silently drops an exception.
//
// The engine's throw unwinds by jumping, not by unwinding native frames:
// deferred cleanup between the throw point and this bridge does not run
// for anything except the scope pops tether itself installs. Only scope
// flavors from the mem package may be created inside body.
func Catch[T any](f *mem.Frame, body func(f *mem.Frame) (T, error), handler func(hf *mem.Frame, exc mem.Value) error) (result T, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		thrown, ok := r.(engine.Thrown)
		if !ok {
			// Native panic: resume it, don't absorb it.
			panic(r)
		}

		var zero T
		result = zero
		scopeErr := f.Stack().LocalScope(exceptionFrameCapacity, func(hf *mem.Frame) error {
			exc, rootErr := hf.Root(thrown.Exc)
			if rootErr != nil {
				return rootErr
			}
			if handler == nil {
				return &mem.ExceptionError{
					Exc:     exc.Ptr(),
					Message: f.Stack().Engine().ExceptionMessage(exc.Ptr()),
				}
			}
			return handler(hf, exc)
		})
		err = scopeErr
	}()

	return body(f)
}

// CatchValue is Catch for bodies that produce a rooted value: the result
// is rooted in f before the nested machinery returns.
func CatchValue(f *mem.Frame, body func(f *mem.Frame) (mem.Ref, error), handler func(hf *mem.Frame, exc mem.Value) error) (mem.Value, error) {
	ref, err := Catch(f, body, handler)
	if err != nil {
		return mem.Value{}, err
	}
	return ref.RootInto(f)
}
