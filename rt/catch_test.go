package rt

import (
	"errors"
	"testing"

	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/engine/sim"
	"github.com/chazu/tether/mem"
)

func newTestRuntime(t *testing.T) (*sim.Engine, *Runtime) {
	t.Helper()
	eng := sim.New()
	r, err := Embed(eng)
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return eng, r
}

// ---------------------------------------------------------------------------
// Catch
// ---------------------------------------------------------------------------

func TestCatch_NormalReturn(t *testing.T) {
	eng, r := newTestRuntime(t)

	r.LocalScope(4, func(f *mem.Frame) error {
		got, err := Catch(f, func(f *mem.Frame) (int64, error) {
			v, _ := f.Root(eng.BoxInt64(42))
			raw, _ := eng.Unbox(v.Ptr())
			return raw.(int64), nil
		}, nil)
		if err != nil {
			t.Fatalf("Catch returned error: %v", err)
		}
		if got != 42 {
			t.Fatalf("got %d, want 42", got)
		}
		return nil
	})
}

func TestCatch_ExceptionReachesHandler(t *testing.T) {
	eng, r := newTestRuntime(t)

	r.LocalScope(4, func(f *mem.Frame) error {
		var handled string
		_, err := Catch(f, func(f *mem.Frame) (int, error) {
			eng.ThrowNew("kaboom")
			return 0, nil
		}, func(hf *mem.Frame, exc mem.Value) error {
			// The exception is rooted: a collection here must not
			// reclaim it.
			eng.Collect(true)
			if !eng.Alive(exc.Ptr()) {
				t.Error("exception collected inside the handler scope")
			}
			handled = eng.ExceptionMessage(exc.Ptr())
			return nil
		})
		if err != nil {
			t.Fatalf("handled exception still produced an error: %v", err)
		}
		if handled != "kaboom" {
			t.Fatalf("handler saw %q, want %q", handled, "kaboom")
		}
		return nil
	})
}

func TestCatch_NilHandlerReturnsExceptionError(t *testing.T) {
	eng, r := newTestRuntime(t)

	r.LocalScope(4, func(f *mem.Frame) error {
		_, err := Catch(f, func(f *mem.Frame) (int, error) {
			eng.ThrowNew("unhandled")
			return 0, nil
		}, nil)

		var excErr *mem.ExceptionError
		if !errors.As(err, &excErr) {
			t.Fatalf("got %v, want *mem.ExceptionError", err)
		}
		if excErr.Message != "unhandled" {
			t.Fatalf("message: got %q, want %q", excErr.Message, "unhandled")
		}
		return nil
	})
}

func TestCatch_HandlerErrorPropagates(t *testing.T) {
	eng, r := newTestRuntime(t)

	sentinel := errors.New("handler verdict")
	r.LocalScope(4, func(f *mem.Frame) error {
		_, err := Catch(f, func(f *mem.Frame) (int, error) {
			eng.ThrowNew("x")
			return 0, nil
		}, func(hf *mem.Frame, exc mem.Value) error {
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("got %v, want the handler's error", err)
		}
		return nil
	})
}

func TestCatch_NativePanicResumes(t *testing.T) {
	_, r := newTestRuntime(t)

	r.LocalScope(4, func(f *mem.Frame) error {
		defer func() {
			rec := recover()
			if rec == nil {
				t.Fatal("native panic was absorbed by Catch")
			}
			if rec != "native bug" {
				t.Fatalf("recovered %v, want the original panic value", rec)
			}
		}()
		Catch(f, func(f *mem.Frame) (int, error) {
			panic("native bug")
		}, func(hf *mem.Frame, exc mem.Value) error {
			t.Error("handler ran for a native panic")
			return nil
		})
		return nil
	})
}

func TestCatch_ThrowAcrossUncheckedCall(t *testing.T) {
	eng, r := newTestRuntime(t)

	thrower := eng.RegisterFunc("thrower", func(th engine.Thread, args []engine.Ptr) engine.Ptr {
		eng.ThrowNew("from callee")
		return 0
	})

	r.LocalScope(4, func(f *mem.Frame) error {
		var msg string
		_, err := Catch(f, func(f *mem.Frame) (int, error) {
			eng.Call(r.Thread(), thrower)
			return 0, nil
		}, func(hf *mem.Frame, exc mem.Value) error {
			msg = eng.ExceptionMessage(exc.Ptr())
			return nil
		})
		if err != nil {
			t.Fatalf("Catch returned error: %v", err)
		}
		if msg != "from callee" {
			t.Fatalf("got %q, want %q", msg, "from callee")
		}
		return nil
	})
}

func TestCatchValue_ResultRooted(t *testing.T) {
	eng, r := newTestRuntime(t)

	r.LocalScope(4, func(f *mem.Frame) error {
		v, err := CatchValue(f, func(f *mem.Frame) (mem.Ref, error) {
			return mem.NewRef(eng.BoxInt64(7)), nil
		}, nil)
		if err != nil {
			t.Fatalf("CatchValue returned error: %v", err)
		}
		eng.Collect(true)
		if !eng.Alive(v.Ptr()) {
			t.Fatal("CatchValue result was collected")
		}
		return nil
	})
}
