package async

import (
	"fmt"

	"github.com/chazu/tether/mem"
)

// coro is the baton between the worker goroutine and one suspended task.
// The task goroutine only runs between a receive on resume and a send on
// yield, so at any instant at most one goroutine per worker is touching
// the engine: cooperative multitasking, not parallelism.
type coro struct {
	resume chan struct{}
	yield  chan coroEvent
}

type coroEvent struct {
	done   bool
	result Result
}

// AsyncFrame is the capability handed to an async task: its slot frame,
// the slot's own frame chain for nested scopes, and the suspension baton.
//
// The slot frame stays linked across every suspension point; values rooted
// in it remain valid until the task completes, no matter how often the
// task yields.
type AsyncFrame struct {
	frame *mem.Frame
	stack *mem.Stack
	co    *coro
}

// Frame returns the task's slot frame.
func (af *AsyncFrame) Frame() *mem.Frame { return af.frame }

// Scope runs fn with a nested dynamic frame on the slot's own chain.
func (af *AsyncFrame) Scope(fn func(f *mem.Frame) error) error {
	return af.stack.Scope(fn)
}

// LocalScope runs fn with a nested fixed-capacity frame on the slot's own
// chain.
func (af *AsyncFrame) LocalScope(capacity int, fn func(f *mem.Frame) error) error {
	return af.stack.LocalScope(capacity, fn)
}

// Yield suspends the task, handing control back to the worker's
// scheduler. Other ready tasks (and the engine's own scheduler) run until
// the worker resumes this one.
func (af *AsyncFrame) Yield() {
	af.co.yield <- coroEvent{}
	<-af.co.resume
}

// Await yields once, then runs op when the task is resumed and roots its
// result in the slot frame. This is the shape of waiting on an
// engine-side asynchronous operation: suspend first, observe the result
// after the scheduler comes back around.
func (af *AsyncFrame) Await(op func(f *mem.Frame) (mem.Ref, error)) (mem.Value, error) {
	af.Yield()
	ref, err := op(af.frame)
	if err != nil {
		return mem.Value{}, err
	}
	return ref.RootInto(af.frame)
}

// start launches the task goroutine in its parked state. The goroutine
// sends exactly one done event, even when the task panics: the panic is
// caught at this per-task boundary and reported as the task's failure
// rather than crashing the worker.
func (c *coro) start(af *AsyncFrame, fn AsyncFunc) {
	go func() {
		var res Result
		defer func() {
			if r := recover(); r != nil {
				res = Result{Err: fmt.Errorf("async: task panicked: %v", r)}
			}
			c.yield <- coroEvent{done: true, result: res}
		}()
		<-c.resume
		v, err := fn(af)
		res = Result{Value: v, Err: err}
	}()
}

// step resumes the task once and reports whether it finished, returning
// the result when it did.
func (c *coro) step() (coroEvent, bool) {
	c.resume <- struct{}{}
	ev := <-c.yield
	return ev, ev.done
}
