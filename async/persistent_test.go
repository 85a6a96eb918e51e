package async

import (
	"errors"
	"testing"

	"github.com/chazu/tether/mem"
)

// accumulator keeps a one-element engine array rooted in its slot frame
// and adds every input into it.
type accumulator struct {
	exited bool
}

func (a *accumulator) Init(f *mem.Frame) (mem.Value, error) {
	eng := f.Stack().Engine()
	arr, err := eng.NewArray(0, []int{1})
	if err != nil {
		return mem.Value{}, err
	}
	eng.ArraySetElem(f.Stack().Thread(), arr, 0, eng.BoxInt64(0))
	return f.Root(arr)
}

func (a *accumulator) Run(f *mem.Frame, state mem.Value, input any) (any, error) {
	eng := f.Stack().Engine()
	arr := state.Ptr()

	cur, err := eng.Unbox(eng.ArrayElem(arr, 0))
	if err != nil {
		return nil, err
	}
	sum := cur.(int64) + input.(int64)
	eng.ArraySetElem(f.Stack().Thread(), arr, 0, eng.BoxInt64(sum))
	return sum, nil
}

func (a *accumulator) Exit(f *mem.Frame, state mem.Value) {
	a.exited = true
}

func TestPersistent_StateSurvivesAcrossCalls(t *testing.T) {
	eng, w := startWorker(t, testOptions())

	task := &accumulator{}
	h, err := RegisterPersistent(bg(), w, task)
	if err != nil {
		t.Fatalf("RegisterPersistent returned error: %v", err)
	}

	// Collections between calls must not reclaim the rooted state.
	eng.SetCollectEvery(1)

	got, err := h.Call(bg(), int64(1))
	if err != nil {
		t.Fatalf("first Call returned error: %v", err)
	}
	if got != int64(1) {
		t.Fatalf("first call: got %v, want 1", got)
	}
	got, err = h.Call(bg(), int64(2))
	if err != nil {
		t.Fatalf("second Call returned error: %v", err)
	}
	if got != int64(3) {
		t.Fatalf("second call: got %v, want 3", got)
	}

	if err := h.Close(bg()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !task.exited {
		t.Fatal("Exit hook never ran")
	}
}

func TestPersistent_CloseReleasesSlot(t *testing.T) {
	opts := testOptions()
	opts.Slots = 1
	_, w := startWorker(t, opts)

	h, err := RegisterPersistent(bg(), w, &accumulator{})
	if err != nil {
		t.Fatalf("RegisterPersistent returned error: %v", err)
	}
	if err := h.Close(bg()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	// The released slot can host a new task.
	out, err := Async(w, func(af *AsyncFrame) (any, error) {
		af.Yield()
		return "reused", nil
	}).Dispatch(bg())
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res := await(t, out); res.Err != nil || res.Value != "reused" {
		t.Fatalf("slot not reusable after Close: %+v", res)
	}
}

func TestPersistent_CallAfterCloseFails(t *testing.T) {
	_, w := startWorker(t, testOptions())

	h, err := RegisterPersistent(bg(), w, &accumulator{})
	if err != nil {
		t.Fatalf("RegisterPersistent returned error: %v", err)
	}
	if err := h.Close(bg()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := h.Call(bg(), int64(1)); err == nil {
		t.Fatal("Call on a closed handle succeeded")
	}
}

func TestPersistent_InitErrorReturnsSlot(t *testing.T) {
	opts := testOptions()
	opts.Slots = 1
	_, w := startWorker(t, opts)

	if _, err := RegisterPersistent(bg(), w, &failingInit{}); err == nil {
		t.Fatal("RegisterPersistent with failing Init succeeded")
	}

	// The slot was returned; a normal task can use it.
	out, err := Async(w, func(af *AsyncFrame) (any, error) {
		return "ok", nil
	}).Dispatch(bg())
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if res := await(t, out); res.Err != nil {
		t.Fatalf("slot unusable after failed init: %v", res.Err)
	}
}

type failingInit struct{}

func (failingInit) Init(f *mem.Frame) (mem.Value, error) {
	return mem.Value{}, errInitRefused
}
func (failingInit) Run(f *mem.Frame, state mem.Value, input any) (any, error) {
	return nil, nil
}
func (failingInit) Exit(f *mem.Frame, state mem.Value) {}

var errInitRefused = errors.New("init refused")
