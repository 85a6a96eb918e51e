// Package async runs engine instances on dedicated worker goroutines and
// feeds them tasks through bounded channels.
//
// Each worker owns one engine instance, locked to one OS thread. Blocking
// tasks occupy the whole worker; async tasks are multiplexed cooperatively
// over a fixed pool of pre-allocated frame slots, suspending at explicit
// yield points. Results come back on per-task oneshot channels: every task
// taken off the channel gets exactly one response.
package async

import (
	"time"

	"github.com/google/uuid"

	"github.com/chazu/tether/mem"
)

// BlockingFunc is a task that runs synchronously on the worker's base
// frame, blocking all other progress on that worker until it returns.
type BlockingFunc func(f *mem.Frame) (any, error)

// AsyncFunc is a cooperatively-scheduled task bound to one slot frame. It
// may suspend at Yield/Await points, during which the worker interleaves
// other ready tasks.
type AsyncFunc func(af *AsyncFrame) (any, error)

// PersistentTask retains engine-side state across repeated invocations.
// Init roots the state in the task's slot frame, which stays linked for
// the lifetime of the registration; Run is invoked once per call with a
// nested scope; Exit runs when the handle is closed, before the slot is
// returned to the pool.
type PersistentTask interface {
	Init(f *mem.Frame) (mem.Value, error)
	Run(f *mem.Frame, state mem.Value, input any) (any, error)
	Exit(f *mem.Frame, state mem.Value)
}

// Result is a task's outcome, delivered on its oneshot channel.
type Result struct {
	Value any
	Err   error
}

type kind uint8

const (
	kindBlocking kind = iota
	kindAsync
	kindPersistentInit
	kindPersistentCall
	kindPersistentExit
	kindInclude
)

func (k kind) String() string {
	switch k {
	case kindBlocking:
		return "blocking"
	case kindAsync:
		return "async"
	case kindPersistentInit:
		return "persistent-init"
	case kindPersistentCall:
		return "persistent-call"
	case kindPersistentExit:
		return "persistent-exit"
	case kindInclude:
		return "include"
	}
	return "unknown"
}

// message is one unit of work on the task channel. Exactly one Result is
// sent on out for every message a worker takes off the channel.
type message struct {
	id   uuid.UUID
	kind kind

	blocking BlockingFunc
	async    AsyncFunc

	persistent   PersistentTask
	persistentID uuid.UUID
	input        any

	includePath string

	out chan Result
}

func newMessage(k kind) message {
	return message{
		id:   uuid.New(),
		kind: k,
		out:  make(chan Result, 1),
	}
}

// Event is a task lifecycle record for the journal.
type Event struct {
	Task   uuid.UUID
	Worker uuid.UUID
	Kind   string
	State  string // "accepted", "started", "finished", "failed"
	At     time.Time
	Detail string
}

// Recorder consumes task lifecycle events. Implementations must be safe
// for use from the worker goroutine; a nil Recorder disables recording.
type Recorder interface {
	Record(ev Event)
}
