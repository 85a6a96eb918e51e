package sim

import (
	"fmt"

	"github.com/chazu/tether/engine"
)

// RegisterFunc implements engine.Engine. The function object is globally
// rooted so it can be stashed and called at any time.
func (e *Engine) RegisterFunc(name string, fn engine.NativeFunc) engine.Ptr {
	e.mu.Lock()
	p, o := e.allocLocked(engine.TagFunc)
	o.val = name
	o.fn = fn
	e.globals[p] = struct{}{}
	e.mu.Unlock()
	return p
}

// NewException allocates an exception object carrying a message.
func (e *Engine) NewException(msg string) engine.Ptr {
	return e.box(engine.TagException, msg)
}

// ThrowNew allocates an exception and raises it as an engine unwind.
func (e *Engine) ThrowNew(msg string) {
	engine.Throw(e.NewException(msg))
}

// ExceptionMessage implements engine.Engine.
func (e *Engine) ExceptionMessage(exc engine.Ptr) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.heap[exc]
	if !ok || o.tag() != engine.TagException {
		return ""
	}
	return o.val.(string)
}

func (e *Engine) fnOf(fn engine.Ptr) engine.NativeFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.lookup(fn)
	if o.tag() != engine.TagFunc {
		return nil
	}
	return o.fn
}

// Call implements engine.Engine: the unchecked path. A throw inside the
// callee propagates as a panic with an engine.Thrown payload, skipping
// every native frame up to the nearest trampoline.
func (e *Engine) Call(t engine.Thread, fn engine.Ptr, args ...engine.Ptr) engine.Ptr {
	f := e.fnOf(fn)
	if f == nil {
		e.ThrowNew(fmt.Sprintf("call: %#x is not callable", uintptr(fn)))
	}
	return f(t, args)
}

// CallChecked implements engine.Engine: the trampoline path. A thrown
// engine exception is caught here, at the call boundary, and returned; a
// native panic in the callee is not an engine exception and propagates
// unchanged.
func (e *Engine) CallChecked(t engine.Thread, fn engine.Ptr, args ...engine.Ptr) (result, exc engine.Ptr) {
	defer func() {
		if r := recover(); r != nil {
			if thrown, ok := r.(engine.Thrown); ok {
				exc = thrown.Exc
				return
			}
			panic(r)
		}
	}()
	result = e.Call(t, fn, args...)
	return result, 0
}
