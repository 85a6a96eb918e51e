package mem

import (
	"errors"
	"testing"

	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/engine/sim"
)

func newTestStack(t *testing.T) (*sim.Engine, *Stack) {
	t.Helper()
	eng := sim.New()
	th, err := eng.Init()
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return eng, NewStack(eng, th)
}

// ---------------------------------------------------------------------------
// Rooting and collection
// ---------------------------------------------------------------------------

func TestLocalScope_RootSurvivesCollection(t *testing.T) {
	eng, stack := newTestStack(t)

	var inside engine.Ptr
	err := stack.LocalScope(4, func(f *Frame) error {
		v, err := f.Root(eng.BoxInt64(42))
		if err != nil {
			return err
		}
		inside = v.Ptr()
		eng.Collect(true)
		if !eng.Alive(inside) {
			t.Error("rooted value was collected inside its scope")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("LocalScope returned error: %v", err)
	}

	eng.Collect(true)
	if eng.Alive(inside) {
		t.Fatal("value survived after its scope ended")
	}
}

func TestLocalScope_UnrootedValueCollected(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(4, func(f *Frame) error {
		p := eng.BoxInt64(7) // allocated, never rooted
		eng.Collect(true)
		if eng.Alive(p) {
			t.Error("unrooted allocation survived a collection")
		}
		return nil
	})
}

func TestLocalScope_CapacityExceeded(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(16, func(f *Frame) error {
		for i := 0; i < 16; i++ {
			if _, err := f.Root(eng.BoxInt64(int64(i))); err != nil {
				t.Fatalf("root %d failed below capacity: %v", i, err)
			}
		}
		if _, err := f.Root(eng.BoxInt64(16)); !errors.Is(err, ErrFrameFull) {
			t.Fatalf("root beyond capacity: got %v, want ErrFrameFull", err)
		}
		return nil
	})
}

func TestScope_GrowsBeyondInitialCapacity(t *testing.T) {
	eng, stack := newTestStack(t)

	err := stack.Scope(func(f *Frame) error {
		initial := f.Capacity()
		for i := 0; i < initial+50; i++ {
			if _, err := f.Root(eng.BoxInt64(int64(i))); err != nil {
				return err
			}
		}
		if f.NRoots() != initial+50 {
			t.Errorf("NRoots: got %d, want %d", f.NRoots(), initial+50)
		}
		eng.Collect(true)
		if eng.HeapLen() < initial+50 {
			t.Error("grown frame lost roots across a collection")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scope returned error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Frame ordering
// ---------------------------------------------------------------------------

func TestNestedScopes_CollectorSeesLIFOOrder(t *testing.T) {
	eng, stack := newTestStack(t)

	outerP := eng.BoxInt64(1)
	innerP := eng.BoxInt64(2)

	stack.LocalScope(4, func(outer *Frame) error {
		outer.Root(outerP)
		return outer.LocalScope(4, func(inner *Frame) error {
			inner.Root(innerP)

			roots := eng.CollectRoots()
			if len(roots) != 2 {
				t.Fatalf("roots: got %v, want 2 entries", roots)
			}
			// The chain is walked newest frame first.
			if roots[0] != innerP || roots[1] != outerP {
				t.Fatalf("walk order: got %v, want [inner outer]", roots)
			}
			return nil
		})
	})

	if len(eng.CollectRoots()) != 0 {
		t.Fatal("roots remain after all scopes popped")
	}
}

func TestPop_OutOfOrderPanics(t *testing.T) {
	_, stack := newTestStack(t)

	bottom := stack.PushPersistent(4)
	stack.PushPersistent(4) // now the top

	defer func() {
		if recover() == nil {
			t.Fatal("popping a non-top frame did not panic")
		}
	}()
	stack.PopPersistent(bottom)
}

// ---------------------------------------------------------------------------
// Outputs and reusable slots
// ---------------------------------------------------------------------------

func TestOutput_ValueOutlivesNestedScope(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(4, func(outer *Frame) error {
		out, err := outer.Output()
		if err != nil {
			t.Fatalf("Output returned error: %v", err)
		}
		outer.LocalScope(4, func(inner *Frame) error {
			// Build in the child, keep the result in the parent.
			out.Root(eng.BoxInt64(42))
			return nil
		})
		eng.Collect(true)
		v := out.Value()
		if !v.Valid() {
			t.Fatal("output value invalid after the nested scope popped")
		}
		if !eng.Alive(v.Ptr()) {
			t.Fatal("output value was collected")
		}
		return nil
	})
}

func TestOutput_SecondUsePanics(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(4, func(f *Frame) error {
		out, _ := f.Output()
		out.Root(eng.BoxInt64(1))
		defer func() {
			if recover() == nil {
				t.Error("second Root on an output did not panic")
			}
		}()
		out.Root(eng.BoxInt64(2))
		return nil
	})
}

func TestOutput_ValueBeforeUsePanics(t *testing.T) {
	_, stack := newTestStack(t)

	stack.LocalScope(4, func(f *Frame) error {
		out, _ := f.Output()
		defer func() {
			if recover() == nil {
				t.Error("Value on an unused output did not panic")
			}
		}()
		out.Value()
		return nil
	})
}

func TestReusableSlot_ReuseUnrootsPrevious(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(4, func(f *Frame) error {
		slot, err := f.ReusableSlot()
		if err != nil {
			t.Fatalf("ReusableSlot returned error: %v", err)
		}

		first := eng.BoxInt64(1)
		slot.Root(first)
		second := eng.BoxInt64(2)
		slot.Root(second)

		eng.Collect(true)
		if eng.Alive(first) {
			t.Fatal("overwritten occupant still alive")
		}
		if !eng.Alive(second) {
			t.Fatal("current occupant was collected")
		}

		slot.Clear()
		eng.Collect(true)
		if eng.Alive(second) {
			t.Fatal("cleared occupant still alive")
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Value handles
// ---------------------------------------------------------------------------

func TestValue_PtrAfterPopPanics(t *testing.T) {
	eng, stack := newTestStack(t)

	var escaped Value
	stack.LocalScope(4, func(f *Frame) error {
		escaped, _ = f.Root(eng.BoxInt64(1))
		return nil
	})

	if escaped.Valid() {
		t.Fatal("value still valid after its frame was popped")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("dereferencing a dead value did not panic")
		}
	}()
	escaped.Ptr()
}

func TestGlobalValue_NeverDies(t *testing.T) {
	eng, _ := newTestStack(t)

	mod, err := eng.Module("Main")
	if err != nil {
		t.Fatalf("Module returned error: %v", err)
	}
	v := Global(mod)
	eng.Collect(true)
	if !v.Valid() {
		t.Fatal("globally rooted value reported invalid")
	}
	if v.Ptr() != mod {
		t.Fatal("global value changed identity")
	}
}

func TestRef_RootInto(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(4, func(f *Frame) error {
		ref := NewRef(eng.BoxInt64(5))
		v, err := ref.RootInto(f)
		if err != nil {
			t.Fatalf("RootInto returned error: %v", err)
		}
		eng.Collect(true)
		if !eng.Alive(v.Ptr()) {
			t.Fatal("re-rooted reference was collected")
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Relay scopes
// ---------------------------------------------------------------------------

func TestValueScope_ResultRootedInParent(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(4, func(outer *Frame) error {
		v, err := outer.ValueScope(8, func(nested *Frame) (Ref, error) {
			// Intermediates die with the nested scope.
			nested.Root(eng.BoxInt64(1))
			nested.Root(eng.BoxInt64(2))
			return NewRef(eng.BoxInt64(3)), nil
		})
		if err != nil {
			t.Fatalf("ValueScope returned error: %v", err)
		}
		eng.Collect(true)
		if !eng.Alive(v.Ptr()) {
			t.Fatal("relayed result was collected")
		}
		raw, _ := eng.Unbox(v.Ptr())
		if raw != int64(3) {
			t.Fatalf("got %v, want 3", raw)
		}
		return nil
	})
}

func TestWithLocalScope_TargetReachesDeepScopes(t *testing.T) {
	eng, stack := newTestStack(t)

	stack.LocalScope(4, func(outer *Frame) error {
		v, err := outer.WithLocalScope(8, func(nested *Frame, target *Output) error {
			return nested.LocalScope(8, func(deeper *Frame) error {
				_, err := target.Root(eng.BoxInt64(9))
				return err
			})
		})
		if err != nil {
			t.Fatalf("WithLocalScope returned error: %v", err)
		}
		eng.Collect(true)
		if !eng.Alive(v.Ptr()) {
			t.Fatal("deep-rooted result was collected")
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Checked calls
// ---------------------------------------------------------------------------

func TestFrameCall_ResultRooted(t *testing.T) {
	eng, stack := newTestStack(t)

	fn := eng.RegisterFunc("mk", func(th engine.Thread, args []engine.Ptr) engine.Ptr {
		return eng.BoxInt64(42)
	})

	stack.LocalScope(4, func(f *Frame) error {
		v, err := f.Call(Global(fn))
		if err != nil {
			t.Fatalf("Call returned error: %v", err)
		}
		eng.Collect(true)
		if !eng.Alive(v.Ptr()) {
			t.Fatal("call result was collected")
		}
		return nil
	})
}

func TestFrameCall_ExceptionBecomesError(t *testing.T) {
	eng, stack := newTestStack(t)

	fn := eng.RegisterFunc("boom", func(th engine.Thread, args []engine.Ptr) engine.Ptr {
		eng.ThrowNew("boom")
		return 0
	})

	stack.LocalScope(4, func(f *Frame) error {
		_, err := f.Call(Global(fn))
		var excErr *ExceptionError
		if !errors.As(err, &excErr) {
			t.Fatalf("got %v, want *ExceptionError", err)
		}
		if excErr.Message != "boom" {
			t.Fatalf("message: got %q, want %q", excErr.Message, "boom")
		}
		// The exception object itself is rooted in the calling frame.
		eng.Collect(true)
		if !eng.Alive(excErr.Exc) {
			t.Fatal("exception object was collected while its frame is live")
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Persistent frames
// ---------------------------------------------------------------------------

func TestPersistentFrame_ResetInvalidatesHandles(t *testing.T) {
	eng, stack := newTestStack(t)

	f := stack.PushPersistent(8)
	defer stack.PopPersistent(f)

	v, err := f.Root(eng.BoxInt64(1))
	if err != nil {
		t.Fatalf("Root returned error: %v", err)
	}
	p := v.Ptr()

	f.Reset()
	if v.Valid() {
		t.Fatal("handle still valid after Reset")
	}
	eng.Collect(true)
	if eng.Alive(p) {
		t.Fatal("reset frame kept its old roots alive")
	}

	// The frame is still linked and usable after a reset.
	if _, err := f.Root(eng.BoxInt64(2)); err != nil {
		t.Fatalf("Root after Reset returned error: %v", err)
	}
}
