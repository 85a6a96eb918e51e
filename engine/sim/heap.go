package sim

import (
	"fmt"

	"github.com/chazu/tether/engine"
)

// object is one heap cell. The header carries the 4-bit-aligned type tag;
// payload fields are populated per kind.
type object struct {
	header uint64
	gen    uint64 // collection generation at allocation; young = current gen
	marked bool

	val   any          // boxed primitive, string content, symbol/module name
	elems []engine.Ptr // array elements or struct fields
	dims  []int
	elem  engine.Ptr // array element type
	fn    engine.NativeFunc

	bindings map[engine.Ptr]engine.Ptr // module globals, keyed by symbol
}

func (o *object) tag() engine.TypeTag { return engine.TagFromHeader(o.header) }

func (e *Engine) allocLocked(tag engine.TypeTag) (engine.Ptr, *object) {
	o := &object{
		header: engine.HeaderWithTag(tag),
		gen:    e.gen,
	}
	p := e.nextPtr
	e.nextPtr++
	e.heap[p] = o
	return p, o
}

// lookup resolves a Ptr, failing loudly on dangling references so rooting
// bugs surface as panics instead of reading freed memory.
func (e *Engine) lookup(p engine.Ptr) *object {
	o, ok := e.heap[p]
	if !ok {
		panic(fmt.Sprintf("sim: dangling reference %#x (collected or never allocated)", uintptr(p)))
	}
	return o
}

// TagOf implements engine.Engine.
func (e *Engine) TagOf(p engine.Ptr) engine.TypeTag {
	if p.IsNull() {
		return engine.TagNothing
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookup(p).tag()
}

func (e *Engine) boxLocked(tag engine.TypeTag, v any) engine.Ptr {
	p, o := e.allocLocked(tag)
	o.val = v
	return p
}

func (e *Engine) box(tag engine.TypeTag, v any) engine.Ptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.boxLocked(tag, v)
}

// Boxing primitives.
func (e *Engine) BoxBool(v bool) engine.Ptr       { return e.box(engine.TagBool, v) }
func (e *Engine) BoxInt8(v int8) engine.Ptr       { return e.box(engine.TagInt8, v) }
func (e *Engine) BoxInt16(v int16) engine.Ptr     { return e.box(engine.TagInt16, v) }
func (e *Engine) BoxInt32(v int32) engine.Ptr     { return e.box(engine.TagInt32, v) }
func (e *Engine) BoxInt64(v int64) engine.Ptr     { return e.box(engine.TagInt64, v) }
func (e *Engine) BoxUInt8(v uint8) engine.Ptr     { return e.box(engine.TagUInt8, v) }
func (e *Engine) BoxUInt16(v uint16) engine.Ptr   { return e.box(engine.TagUInt16, v) }
func (e *Engine) BoxUInt32(v uint32) engine.Ptr   { return e.box(engine.TagUInt32, v) }
func (e *Engine) BoxUInt64(v uint64) engine.Ptr   { return e.box(engine.TagUInt64, v) }
func (e *Engine) BoxFloat32(v float32) engine.Ptr { return e.box(engine.TagFloat32, v) }
func (e *Engine) BoxFloat64(v float64) engine.Ptr { return e.box(engine.TagFloat64, v) }

// Unbox implements engine.Engine.
func (e *Engine) Unbox(p engine.Ptr) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.lookup(p)
	if !o.tag().IsNumeric() {
		return nil, fmt.Errorf("unbox %s: %w", o.tag(), engine.ErrTypeMismatch)
	}
	return o.val, nil
}

// NewString implements engine.Engine.
func (e *Engine) NewString(s string) engine.Ptr {
	return e.box(engine.TagString, s)
}

// StringContent returns the content of an engine string.
func (e *Engine) StringContent(p engine.Ptr) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.lookup(p)
	if o.tag() != engine.TagString {
		return "", fmt.Errorf("string content of %s: %w", o.tag(), engine.ErrTypeMismatch)
	}
	return o.val.(string), nil
}

// NewArray implements engine.Engine.
func (e *Engine) NewArray(elem engine.Ptr, dims []int) (engine.Ptr, error) {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return 0, fmt.Errorf("array dimension %d: %w", d, engine.ErrTypeMismatch)
		}
		n *= d
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, o := e.allocLocked(engine.TagArray)
	o.elem = elem
	o.dims = append([]int(nil), dims...)
	o.elems = make([]engine.Ptr, n)
	return p, nil
}

// NewStruct implements engine.Engine.
func (e *Engine) NewStruct(typ engine.Ptr, fields ...engine.Ptr) (engine.Ptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !typ.IsNull() && e.lookup(typ).tag() != engine.TagDataType {
		return 0, fmt.Errorf("new struct: type argument is %s: %w", e.lookup(typ).tag(), engine.ErrTypeMismatch)
	}
	p, o := e.allocLocked(engine.TagStruct)
	o.elem = typ
	o.elems = append([]engine.Ptr(nil), fields...)
	return p, nil
}

// ArrayLen implements engine.Engine.
func (e *Engine) ArrayLen(arr engine.Ptr) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lookup(arr).elems)
}

// ArrayDims implements engine.Engine.
func (e *Engine) ArrayDims(arr engine.Ptr) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.lookup(arr).dims...)
}

// ArrayElem implements engine.Engine.
func (e *Engine) ArrayElem(arr engine.Ptr, i int) engine.Ptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookup(arr).elems[i]
}

// ArraySetElem implements engine.Engine. The store goes through the write
// barrier when the generational predicate requires it.
func (e *Engine) ArraySetElem(t engine.Thread, arr engine.Ptr, i int, v engine.Ptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.lookup(arr)
	o.elems[i] = v
	if e.needsBarrierLocked(arr, v) {
		e.barrierLocked(arr)
	}
}

// Intern implements engine.Engine. Symbols are globally rooted.
func (e *Engine) Intern(name string) engine.Ptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.symbols[name]; ok {
		return p
	}
	p := e.boxLocked(engine.TagSymbol, name)
	e.symbols[name] = p
	e.globals[p] = struct{}{}
	return p
}

// SymbolName implements engine.Engine.
func (e *Engine) SymbolName(sym engine.Ptr) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.lookup(sym)
	if o.tag() != engine.TagSymbol {
		return ""
	}
	return o.val.(string)
}

func (e *Engine) internModuleLocked(name string) engine.Ptr {
	if p, ok := e.modules[name]; ok {
		return p
	}
	p := e.boxLocked(engine.TagModule, name)
	e.modules[name] = p
	e.globals[p] = struct{}{}
	return p
}

// Module implements engine.Engine.
func (e *Engine) Module(name string) (engine.Ptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.modules[name]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("module %s: %w", name, engine.ErrUndefined)
}

// GlobalLookup implements engine.Engine. Bindings are registered per
// module with BindGlobal; missing lookups return ErrUndefined.
func (e *Engine) GlobalLookup(module, sym engine.Ptr) (engine.Ptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mod := e.lookup(module)
	if mod.tag() != engine.TagModule {
		return 0, fmt.Errorf("global lookup: receiver is %s: %w", mod.tag(), engine.ErrTypeMismatch)
	}
	if p, ok := mod.bindings[sym]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("global %s: %w", e.lookup(sym).val, engine.ErrUndefined)
}

// BindGlobal installs a global binding in a module and roots it globally.
func (e *Engine) BindGlobal(module engine.Ptr, name string, value engine.Ptr) {
	sym := e.Intern(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	mod := e.lookup(module)
	if mod.bindings == nil {
		mod.bindings = make(map[engine.Ptr]engine.Ptr)
	}
	mod.bindings[sym] = value
	e.globals[value] = struct{}{}
}

// WriteBarrier implements engine.Engine.
func (e *Engine) WriteBarrier(t engine.Thread, parent, child engine.Ptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.barrierLocked(parent)
}

// NeedsBarrier implements engine.Engine: a store of a younger child into
// an older parent needs recording. "Young" means allocated since the last
// collection.
func (e *Engine) NeedsBarrier(parent, child engine.Ptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsBarrierLocked(parent, child)
}

func (e *Engine) needsBarrierLocked(parent, child engine.Ptr) bool {
	if parent.IsNull() || child.IsNull() {
		return false
	}
	po, ok := e.heap[parent]
	if !ok {
		return false
	}
	co, ok := e.heap[child]
	if !ok {
		return false
	}
	return po.gen < co.gen || (po.gen < e.gen && co.gen >= e.gen)
}

// barrierLocked re-ages the parent so the next incremental collection
// rescans it. The simulator's collector is not actually incremental; the
// bookkeeping exists so barrier calls are observable.
func (e *Engine) barrierLocked(parent engine.Ptr) {
	if o, ok := e.heap[parent]; ok {
		o.gen = e.gen
	}
}
