package async

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/tether/engine"
	"github.com/chazu/tether/mem"
)

// Options configures a worker.
type Options struct {
	// Slots is the worker's concurrency: the number of pre-allocated
	// frame slots async tasks are multiplexed over.
	Slots int

	// SlotFrameCapacity is the root capacity of each slot frame.
	SlotFrameCapacity int

	// ChannelCapacity bounds the task channel.
	ChannelCapacity int

	// RecvTimeout is how long the worker waits for a message before
	// handing control to the engine's scheduler and advancing suspended
	// tasks.
	RecvTimeout time.Duration

	// Recorder receives task lifecycle events; nil disables recording.
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.Slots <= 0 {
		o.Slots = 16
	}
	if o.SlotFrameCapacity <= 0 {
		o.SlotFrameCapacity = 64
	}
	if o.ChannelCapacity <= 0 {
		o.ChannelCapacity = 128
	}
	if o.RecvTimeout <= 0 {
		o.RecvTimeout = 10 * time.Millisecond
	}
	return o
}

// gate mediates between task senders and shutdown of a task channel.
// Senders hold the read side across their whole send attempt; shut
// publishes the closed flag, wakes senders blocked on the channel, then
// takes the write side as a barrier. Once shut returns, no sender can add
// a message, so a drain that runs afterwards sees everything that got in,
// including a send that raced the flag.
type gate struct {
	mu     sync.RWMutex
	quit   chan struct{}
	closed atomic.Bool
	died   atomic.Bool
}

func newGate() *gate {
	return &gate{quit: make(chan struct{})}
}

func (g *gate) shut() {
	if !g.closed.Swap(true) {
		close(g.quit)
	}
	// Barrier: wait out senders already inside their send. The empty
	// critical section is the point.
	g.mu.Lock()
	g.mu.Unlock()
}

// refused reports why a send must not even start.
func (g *gate) refused() error {
	if g.died.Load() {
		return ErrWorkerDied
	}
	if g.closed.Load() {
		return ErrChannelClosed
	}
	return nil
}

// Worker owns one engine instance on one locked OS thread and serves a
// stream of task messages against it. Blocking tasks serialize on the
// worker's base frame; async tasks multiplex over the slot pool.
type Worker struct {
	id   uuid.UUID
	eng  engine.Engine
	opts Options
	log  commonlog.Logger

	ch      chan message
	ownCh   bool
	gate    *gate
	stop    chan struct{}
	done    chan struct{}
	ready   chan struct{}
	closeMu sync.Mutex
	closed  bool

	panicMu  sync.Mutex
	panicVal any
}

// NewWorker starts a worker with its own bounded task channel.
func NewWorker(eng engine.Engine, opts Options) *Worker {
	opts = opts.withDefaults()
	w := newWorker(eng, opts, make(chan message, opts.ChannelCapacity), true)
	go w.run()
	return w
}

// newPoolWorker starts a worker that serves a shared channel.
func newPoolWorker(eng engine.Engine, opts Options, ch chan message) *Worker {
	w := newWorker(eng, opts, ch, false)
	go w.run()
	return w
}

func newWorker(eng engine.Engine, opts Options, ch chan message, own bool) *Worker {
	id := uuid.New()
	return &Worker{
		id:    id,
		eng:   eng,
		opts:  opts,
		log:   commonlog.GetLogger("tether.worker"),
		ch:    ch,
		ownCh: own,
		gate:  newGate(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() uuid.UUID { return w.id }

// Ready is closed once the worker finished initializing its engine
// instance and slot pool.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Done is closed when the worker loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Died reports whether the worker's scheduler terminated abnormally.
func (w *Worker) Died() bool { return w.gate.died.Load() }

func (w *Worker) setPanic(v any) {
	w.panicMu.Lock()
	w.panicVal = v
	w.panicMu.Unlock()
}

// Close stops the worker: no new messages are accepted, buffered messages
// are served, in-flight tasks are driven to completion, and the engine's
// exit hook runs. A panic that occurred during shutdown is re-raised on
// the joining goroutine.
func (w *Worker) Close() {
	// The gate barrier completes before the worker is told to drain, so
	// the drain sees every message a racing dispatcher managed to send.
	w.gate.shut()
	w.closeMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stop)
	}
	w.closeMu.Unlock()
	<-w.done

	w.panicMu.Lock()
	p := w.panicVal
	w.panicMu.Unlock()
	if p != nil {
		panic(p)
	}
}

// target is the sender-side view of a worker or pool.
type target struct {
	ch chan message
	g  *gate
}

func (w *Worker) target() target {
	return target{ch: w.ch, g: w.gate}
}

// failDead runs after the scheduler terminated abnormally. For a worker
// with its own channel it shuts the send gate and answers whatever made it
// into the buffer; a pool worker leaves the shared channel to the
// survivors and lets the pool prune the corpse.
func (w *Worker) failDead() {
	w.gate.died.Store(true)
	if !w.ownCh {
		return
	}
	w.gate.shut()
	for {
		select {
		case m := <-w.ch:
			m.out <- Result{Err: ErrWorkerDied}
		default:
			return
		}
	}
}

// slot is one pre-allocated concurrency unit: its own frame chain with a
// permanently linked frame. Giving each slot a separate chain keeps frame
// order strictly LIFO per chain even when tasks interleave at suspension
// points.
type slot struct {
	stack *mem.Stack
	frame *mem.Frame
}

type running struct {
	co  *coro
	msg message
}

// pstate is a live persistent task: its slot and its rooted state value.
type pstate struct {
	task  PersistentTask
	idx   int
	state mem.Value
}

// loopState is everything the worker goroutine owns while running.
type loopState struct {
	w       *Worker
	th      engine.Thread
	base    *mem.Stack
	baseF   *mem.Frame
	slots   []*slot
	free    []int      // free slot indices
	busy    []*running // in-flight task per slot; nil when free
	pers    map[uuid.UUID]*pstate
	pending []message // slot-needing tasks accepted while all slots were held by persistent tasks
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.setPanic(r)
			w.log.Errorf("worker %s died: %v", w.id, r)
			w.failDead()
		}
	}()

	th, err := w.eng.Init()
	if err != nil {
		w.log.Errorf("worker %s failed to initialize: %s", w.id, err.Error())
		w.failDead()
		close(w.ready)
		return
	}

	st := &loopState{
		w:    w,
		th:   th,
		base: mem.NewStack(w.eng, th),
		pers: make(map[uuid.UUID]*pstate),
	}
	st.baseF = st.base.PushPersistent(w.opts.SlotFrameCapacity)

	st.slots = make([]*slot, w.opts.Slots)
	st.busy = make([]*running, w.opts.Slots)
	st.free = make([]int, 0, w.opts.Slots)
	for i := range st.slots {
		sth, err := w.eng.AdoptThread()
		if err != nil {
			w.log.Errorf("worker %s failed to adopt slot thread: %s", w.id, err.Error())
			// Unwind what was already linked and shut the engine back down
			// before reporting the death.
			for _, s := range st.slots[:i] {
				s.stack.PopPersistent(s.frame)
			}
			st.base.PopPersistent(st.baseF)
			if serr := w.eng.Shutdown(); serr != nil {
				w.log.Errorf("worker %s shutdown: %s", w.id, serr.Error())
			}
			w.failDead()
			close(w.ready)
			return
		}
		stack := mem.NewStack(w.eng, sth)
		st.slots[i] = &slot{
			stack: stack,
			frame: stack.PushPersistent(w.opts.SlotFrameCapacity),
		}
		st.free = append(st.free, i)
	}

	close(w.ready)
	w.log.Infof("worker %s running, %d slots", w.id, w.opts.Slots)

	st.loop()

	// Orderly teardown: unlink slot frames and the base frame, then run
	// the engine's exit hook. A panic here is caught above and re-raised
	// at the joiner.
	for _, s := range st.slots {
		s.stack.PopPersistent(s.frame)
	}
	st.base.PopPersistent(st.baseF)
	if err := w.eng.Shutdown(); err != nil {
		w.log.Errorf("worker %s shutdown: %s", w.id, err.Error())
	}
	w.log.Infof("worker %s stopped", w.id)
}

func (st *loopState) loop() {
	w := st.w
	ticker := time.NewTicker(w.opts.RecvTimeout)
	defer ticker.Stop()

	for {
		if st.busyCount() > 0 {
			st.stepAll()
		}
		if len(st.free) == 0 && st.busyCount() > 0 {
			// Every slot is in flight: refuse new work so the channel
			// exerts backpressure, and give the engine's collector and
			// green threads a turn before stepping again.
			w.eng.Safepoint(st.th)
			continue
		}
		// Persistent tasks can pin every slot without being in flight;
		// in that state the worker must keep receiving so their calls
		// (and exits) can get through. Slot-needing tasks queue until a
		// persistent registration releases its slot.
		select {
		case msg, ok := <-w.ch:
			if !ok {
				st.drain()
				return
			}
			st.accept(msg)
		case <-w.stop:
			st.drainChannel()
			st.drain()
			return
		case <-ticker.C:
			w.eng.Safepoint(st.th)
		}
	}
}

// accept routes a message, queuing slot-needing tasks when no slot is
// free.
func (st *loopState) accept(msg message) {
	if needsSlot(msg.kind) && len(st.free) == 0 {
		st.record(msg, "accepted", "queued for slot")
		st.pending = append(st.pending, msg)
		return
	}
	st.record(msg, "accepted", "")
	st.handle(msg)
}

func needsSlot(k kind) bool {
	return k == kindAsync || k == kindPersistentInit
}

// servePending starts queued slot-needing tasks as slots free up.
func (st *loopState) servePending() {
	for len(st.pending) > 0 && len(st.free) > 0 {
		msg := st.pending[0]
		st.pending = st.pending[1:]
		st.handle(msg)
	}
}

// drain runs in-flight tasks to completion and fails whatever is still
// queued; it is the worker's last act before teardown.
func (st *loopState) drain() {
	for st.busyCount() > 0 {
		st.stepAll()
		st.w.eng.Safepoint(st.th)
	}
	for _, msg := range st.pending {
		st.respond(msg, Result{Err: ErrChannelClosed})
	}
	st.pending = nil
}

// drainChannel serves messages that were already accepted into the
// bounded channel before Close so their callers are not left waiting.
func (st *loopState) drainChannel() {
	for {
		// New work may need slots; advance tasks until one frees up.
		for len(st.free) == 0 && st.busyCount() > 0 {
			st.stepAll()
		}
		select {
		case msg, ok := <-st.w.ch:
			if !ok {
				return
			}
			st.accept(msg)
		default:
			return
		}
	}
}

func (st *loopState) busyCount() int {
	n := 0
	for _, r := range st.busy {
		if r != nil {
			n++
		}
	}
	return n
}

// stepAll resumes every in-flight task once, retiring the ones that
// finished.
func (st *loopState) stepAll() {
	for idx, r := range st.busy {
		if r == nil {
			continue
		}
		ev, done := r.co.step()
		if !done {
			continue
		}
		st.respond(r.msg, ev.result)
		st.slots[idx].frame.Reset()
		st.busy[idx] = nil
		st.free = append(st.free, idx)
	}
	st.servePending()
}

func (st *loopState) record(msg message, state, detail string) {
	if st.w.opts.Recorder == nil {
		return
	}
	st.w.opts.Recorder.Record(Event{
		Task:   msg.id,
		Worker: st.w.id,
		Kind:   msg.kind.String(),
		State:  state,
		At:     time.Now(),
		Detail: detail,
	})
}

// respond delivers a task's single response.
func (st *loopState) respond(msg message, res Result) {
	if res.Err != nil {
		st.record(msg, "failed", res.Err.Error())
	} else {
		st.record(msg, "finished", "")
	}
	msg.out <- res
}

func (st *loopState) handle(msg message) {
	switch msg.kind {
	case kindBlocking:
		st.record(msg, "started", "")
		st.respond(msg, st.runGuarded(func(f *mem.Frame) (any, error) {
			return msg.blocking(f)
		}))

	case kindInclude:
		st.record(msg, "started", "")
		err := st.w.eng.Include(st.th, msg.includePath)
		st.respond(msg, Result{Err: err})

	case kindAsync:
		idx := st.free[len(st.free)-1]
		st.free = st.free[:len(st.free)-1]
		s := st.slots[idx]
		c := &coro{resume: make(chan struct{}), yield: make(chan coroEvent)}
		af := &AsyncFrame{frame: s.frame, stack: s.stack, co: c}
		c.start(af, msg.async)
		st.busy[idx] = &running{co: c, msg: msg}
		st.record(msg, "started", "")
		// Run until the first suspension point (or completion).
		if ev, done := c.step(); done {
			st.respond(msg, ev.result)
			s.frame.Reset()
			st.busy[idx] = nil
			st.free = append(st.free, idx)
		}

	case kindPersistentInit:
		st.record(msg, "started", "")
		idx := st.free[len(st.free)-1]
		st.free = st.free[:len(st.free)-1]
		s := st.slots[idx]
		res := st.guard(func() Result {
			state, err := msg.persistent.Init(s.frame)
			if err != nil {
				return Result{Err: err}
			}
			id := uuid.New()
			st.pers[id] = &pstate{task: msg.persistent, idx: idx, state: state}
			return Result{Value: id}
		})
		if res.Err != nil {
			// Failed init returns the slot immediately.
			s.frame.Reset()
			st.free = append(st.free, idx)
		}
		st.respond(msg, res)

	case kindPersistentCall:
		p, ok := st.pers[msg.persistentID]
		if !ok {
			st.respond(msg, Result{Err: fmt.Errorf("async: unknown persistent task %s", msg.persistentID)})
			return
		}
		st.record(msg, "started", "")
		s := st.slots[p.idx]
		res := st.guard(func() Result {
			var out any
			err := s.stack.Scope(func(f *mem.Frame) error {
				var runErr error
				out, runErr = p.task.Run(f, p.state, msg.input)
				return runErr
			})
			return Result{Value: out, Err: err}
		})
		st.respond(msg, res)

	case kindPersistentExit:
		p, ok := st.pers[msg.persistentID]
		if !ok {
			st.respond(msg, Result{Err: fmt.Errorf("async: unknown persistent task %s", msg.persistentID)})
			return
		}
		st.record(msg, "started", "")
		s := st.slots[p.idx]
		res := st.guard(func() Result {
			s.stack.Scope(func(f *mem.Frame) error {
				p.task.Exit(f, p.state)
				return nil
			})
			return Result{}
		})
		delete(st.pers, msg.persistentID)
		s.frame.Reset()
		st.free = append(st.free, p.idx)
		st.respond(msg, res)
		st.servePending()

	default:
		st.respond(msg, Result{Err: fmt.Errorf("async: unknown task kind %d", msg.kind)})
	}
}

// runGuarded executes a blocking task in a nested scope on the base
// frame's chain, converting a panic into that task's error.
func (st *loopState) runGuarded(fn func(f *mem.Frame) (any, error)) Result {
	return st.guard(func() Result {
		var out any
		err := st.base.Scope(func(f *mem.Frame) error {
			var runErr error
			out, runErr = fn(f)
			return runErr
		})
		return Result{Value: out, Err: err}
	})
}

// guard is the per-task panic boundary: a panicking task is reported as
// that task's failure and the worker keeps serving.
func (st *loopState) guard(fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("async: task panicked: %v", r)}
		}
	}()
	return fn()
}
