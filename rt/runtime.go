// Package rt ties an engine instance to a usable runtime handle: the
// process initialization contract, the exception catch bridge, the
// process-wide rooted cache and weak handles.
package rt

import (
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/mem"
)

var log = commonlog.GetLogger("tether.rt")

// initMode records how an engine instance entered this process.
type initMode int

const (
	modeNone initMode = iota
	modeEmbedded // native code initialized the engine
	modeCallback // native code was invoked from the engine
)

var (
	initMu     sync.Mutex
	initLedger = map[engine.Engine]initMode{}
)

// Runtime is a synchronous handle to an engine instance on the calling
// goroutine. It is not safe for concurrent use; share work across threads
// with the async package instead.
type Runtime struct {
	eng   engine.Engine
	th    engine.Thread
	stack *mem.Stack
	mode  initMode
	mu    sync.Mutex
	closed bool
}

// Embed initializes eng and returns a runtime handle for the calling
// goroutine, which becomes the instance's main thread. Initializing the
// same instance twice, or embedding an instance this process already
// entered through a callback, fails fast: reinitialization would corrupt
// the engine's global state.
func Embed(eng engine.Engine) (*Runtime, error) {
	initMu.Lock()
	mode := initLedger[eng]
	initMu.Unlock()
	if mode == modeCallback {
		log.Error("embedding-style initialization attempted from a callback context")
		return nil, ErrIncorrectState
	}

	th, err := eng.Init()
	if err != nil {
		return nil, err
	}

	initMu.Lock()
	initLedger[eng] = modeEmbedded
	initMu.Unlock()

	log.Infof("engine embedded, %d internal threads", eng.ThreadCount())
	return &Runtime{
		eng:   eng,
		th:    th,
		stack: mem.NewStack(eng, th),
		mode:  modeEmbedded,
	}, nil
}

// FromCallback returns a runtime handle for native code that is itself
// being invoked from the engine. The instance must already be initialized
// (by the engine side); the calling thread is adopted. Mixing this with
// Embed for the same instance fails fast.
func FromCallback(eng engine.Engine) (*Runtime, error) {
	initMu.Lock()
	mode := initLedger[eng]
	initMu.Unlock()
	if mode == modeEmbedded {
		log.Error("callback-style adoption attempted on an embedded instance")
		return nil, ErrIncorrectState
	}

	th, err := eng.AdoptThread()
	if err != nil {
		return nil, err
	}

	initMu.Lock()
	initLedger[eng] = modeCallback
	initMu.Unlock()

	return &Runtime{
		eng:   eng,
		th:    th,
		stack: mem.NewStack(eng, th),
		mode:  modeCallback,
	}, nil
}

// Engine returns the underlying engine instance.
func (r *Runtime) Engine() engine.Engine { return r.eng }

// Thread returns the engine thread state owned by this handle.
func (r *Runtime) Thread() engine.Thread { return r.th }

// Stack returns the goroutine's frame stack.
func (r *Runtime) Stack() *mem.Stack { return r.stack }

// LocalScope creates a fixed-capacity frame, runs fn, and pops the frame
// on every exit path.
func (r *Runtime) LocalScope(capacity int, fn func(f *mem.Frame) error) error {
	return r.stack.LocalScope(capacity, fn)
}

// Scope creates a dynamically-growable frame, runs fn, and pops the frame
// on every exit path.
func (r *Runtime) Scope(fn func(f *mem.Frame) error) error {
	return r.stack.Scope(fn)
}

// Global resolves module.name through the process-wide cache, rooting the
// resolved binding in the cache's root set.
func (r *Runtime) Global(module, name string) (mem.Value, error) {
	return CacheFor(r.eng).Global(r.th, module, name)
}

// Close shuts the engine down in embedding mode; a callback-mode handle
// only detaches. Close is idempotent per handle.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true

	if r.mode != modeEmbedded {
		return nil
	}
	log.Info("engine shutting down")
	return r.eng.Shutdown()
}
