package async

import (
	"context"

	"github.com/google/uuid"
)

// Targetable is anything a task can be dispatched to: a worker's own
// channel or a pool's shared one.
type Targetable interface {
	target() target
}

// Dispatch stages one task against a target. It is single-use: build it
// with one of the task constructors, then send it with Dispatch or
// TryDispatch and read the oneshot channel for the result.
type Dispatch struct {
	tgt target
	msg message
}

// Blocking stages a blocking task.
func Blocking(t Targetable, fn BlockingFunc) *Dispatch {
	m := newMessage(kindBlocking)
	m.blocking = fn
	return &Dispatch{tgt: t.target(), msg: m}
}

// Async stages a cooperatively-scheduled task.
func Async(t Targetable, fn AsyncFunc) *Dispatch {
	m := newMessage(kindAsync)
	m.async = fn
	return &Dispatch{tgt: t.target(), msg: m}
}

// Include stages evaluation of a source file on the target's engine.
func Include(t Targetable, path string) *Dispatch {
	m := newMessage(kindInclude)
	m.includePath = path
	return &Dispatch{tgt: t.target(), msg: m}
}

// Dispatch sends the task, blocking until the channel accepts it, the
// target terminates, or ctx is done. On success it returns the oneshot
// result channel; exactly one Result will arrive on it.
func (d *Dispatch) Dispatch(ctx context.Context) (<-chan Result, error) {
	return send(ctx, d.tgt, d.msg)
}

// TryDispatch sends the task without blocking. A full channel returns
// ErrChannelFull with the dispatcher left intact, so the caller can back
// off and retry the same staged task.
func (d *Dispatch) TryDispatch() (<-chan Result, error) {
	g := d.tgt.g
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.refused(); err != nil {
		return nil, err
	}
	select {
	case d.tgt.ch <- d.msg:
		return d.msg.out, nil
	default:
		return nil, ErrChannelFull
	}
}

// PersistentHandle addresses a registered persistent task on its worker.
type PersistentHandle struct {
	id  uuid.UUID
	tgt target
}

// RegisterPersistent dispatches the task's Init and returns a handle for
// subsequent calls. The task's slot stays occupied until Close.
func RegisterPersistent(ctx context.Context, t Targetable, task PersistentTask) (*PersistentHandle, error) {
	m := newMessage(kindPersistentInit)
	m.persistent = task
	tgt := t.target()
	out, err := send(ctx, tgt, m)
	if err != nil {
		return nil, err
	}
	res := <-out
	if res.Err != nil {
		return nil, res.Err
	}
	return &PersistentHandle{id: res.Value.(uuid.UUID), tgt: tgt}, nil
}

// Call invokes the task's Run with input and waits for the result.
func (h *PersistentHandle) Call(ctx context.Context, input any) (any, error) {
	m := newMessage(kindPersistentCall)
	m.persistentID = h.id
	m.input = input
	out, err := send(ctx, h.tgt, m)
	if err != nil {
		return nil, err
	}
	res := <-out
	return res.Value, res.Err
}

// Close runs the task's Exit hook and releases its slot.
func (h *PersistentHandle) Close(ctx context.Context) error {
	m := newMessage(kindPersistentExit)
	m.persistentID = h.id
	out, err := send(ctx, h.tgt, m)
	if err != nil {
		return err
	}
	res := <-out
	return res.Err
}

// send holds the target's gate open across the whole attempt: once the
// gate's shutdown barrier has completed, no message from here can still be
// on its way into the channel.
func send(ctx context.Context, tgt target, m message) (<-chan Result, error) {
	g := tgt.g
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.refused(); err != nil {
		return nil, err
	}
	select {
	case tgt.ch <- m:
		return m.out, nil
	case <-g.quit:
		if g.died.Load() {
			return nil, ErrWorkerDied
		}
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
