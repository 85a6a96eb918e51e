package async

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/tether/engine"
)

// Pool runs several workers against one shared task channel. Each worker
// owns its own engine instance, created by the pool's factory; tasks go
// to whichever worker picks them up first.
//
// Engine-side code may request resizes through the engine's pool-resize
// hook; the pool applies them on a separate goroutine since the request
// arrives on a worker's own thread.
type Pool struct {
	ch      chan message
	factory func() (engine.Engine, error)
	opts    Options
	log     commonlog.Logger

	gate *gate

	mu      sync.Mutex
	workers map[uuid.UUID]*Worker
	closed  bool
}

// NewPool starts size workers, each with an engine from factory. It
// returns once every worker is ready.
func NewPool(factory func() (engine.Engine, error), size int, opts Options) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	opts = opts.withDefaults()
	p := &Pool{
		ch:      make(chan message, opts.ChannelCapacity),
		factory: factory,
		opts:    opts,
		log:     commonlog.GetLogger("tether.pool"),
		gate:    newGate(),
		workers: make(map[uuid.UUID]*Worker),
	}
	for i := 0; i < size; i++ {
		if err := p.TryAddWorker(); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) target() target {
	return target{ch: p.ch, g: p.gate}
}

// Size reports the current number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// TryAddWorker adds one worker to the pool. It fails if the pool is
// closed or the engine factory fails.
func (p *Pool) TryAddWorker() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	eng, err := p.factory()
	if err != nil {
		return err
	}
	eng.SetPoolResizeHandler(p.resizeRequested)
	w := newPoolWorker(eng, p.opts, p.ch)
	<-w.Ready()
	if w.Died() {
		return ErrWorkerDied
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// Lost the race with Close; unwind the worker we just started.
		go w.Close()
		return ErrPoolClosed
	}
	p.workers[w.id] = w
	go p.watch(w)
	p.log.Infof("pool grew to %d workers", len(p.workers))
	return nil
}

// watch prunes w from the pool if its scheduler dies. A pool that loses
// its last worker this way closes: pending and subsequent dispatches
// report the death instead of queuing into a channel nobody serves.
func (p *Pool) watch(w *Worker) {
	<-w.Done()
	if !w.Died() {
		return
	}
	p.mu.Lock()
	if _, ok := p.workers[w.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.workers, w.id)
	last := len(p.workers) == 0
	if last {
		p.closed = true
	}
	p.mu.Unlock()
	p.log.Errorf("worker %s died, removed from pool", w.id)
	p.stopWorker(w)
	if last {
		p.gate.died.Store(true)
		p.gate.shut()
		p.failBuffered(ErrWorkerDied)
	}
}

// TryRemoveWorker stops one worker. Removing the last worker closes the
// pool: the shared channel stops accepting tasks and buffered tasks are
// drained by the departing worker before it exits.
func (p *Pool) TryRemoveWorker() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	var w *Worker
	for _, cand := range p.workers {
		w = cand
		break
	}
	if w == nil {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	delete(p.workers, w.id)
	last := len(p.workers) == 0
	if last {
		p.closed = true
	}
	p.mu.Unlock()

	if last {
		p.gate.shut()
	}
	p.stopWorker(w)
	if last {
		p.failBuffered(ErrChannelClosed)
		p.log.Info("pool closed: last worker removed")
	} else {
		p.log.Infof("pool shrank to %d workers", p.Size())
	}
	return nil
}

// Close stops every worker and shuts the shared channel. Buffered tasks
// are drained before the last worker exits. Worker panics stored during
// shutdown are re-raised here.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		workers := p.collectLocked()
		p.mu.Unlock()
		for _, w := range workers {
			p.stopWorker(w)
		}
		return
	}
	p.closed = true
	workers := p.collectLocked()
	p.workers = make(map[uuid.UUID]*Worker)
	p.mu.Unlock()

	// Shut the gate before stopping the workers: its barrier guarantees
	// the departing workers' drains see every racing send.
	p.gate.shut()
	for _, w := range workers {
		p.stopWorker(w)
	}
	p.failBuffered(ErrChannelClosed)
}

// failBuffered answers messages still sitting in the shared channel after
// every worker has exited, so no dispatcher is left waiting forever. The
// shared channel itself is never closed: senders are refused by the gate
// instead of panicking on a closed channel.
func (p *Pool) failBuffered(err error) {
	for {
		select {
		case m := <-p.ch:
			m.out <- Result{Err: err}
		default:
			return
		}
	}
}

func (p *Pool) collectLocked() []*Worker {
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// stopWorker joins w, swallowing a re-raised shutdown panic into a log
// line so closing the pool cannot crash the caller over one bad worker.
func (p *Pool) stopWorker(w *Worker) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("worker %s panicked during shutdown: %v", w.id, r)
		}
	}()
	w.Close()
}

// resizeRequested is the engine-side pool-resize hook. It runs on a
// worker's thread, so the actual add/remove happens on a fresh goroutine.
func (p *Pool) resizeRequested(delta int) {
	go func() {
		for ; delta > 0; delta-- {
			if err := p.TryAddWorker(); err != nil {
				p.log.Errorf("engine-requested grow failed: %s", err.Error())
				return
			}
		}
		for ; delta < 0; delta++ {
			if err := p.TryRemoveWorker(); err != nil {
				p.log.Errorf("engine-requested shrink failed: %s", err.Error())
				return
			}
		}
	}()
}
