package coord

import (
	"path"
	"sync"
)

// dispatcher fans change events out to watchers without blocking writers:
// every registration owns an unbounded queue drained by its own goroutine.
type dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	regs   map[uint64]*registration
	closed bool
}

type registration struct {
	parent string
	w      Watcher

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{regs: make(map[uint64]*registration)}
}

func (d *dispatcher) register(parent string, w Watcher) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	reg := &registration{parent: parent, w: w, done: make(chan struct{})}
	reg.cond = sync.NewCond(&reg.mu)
	id := d.nextID
	d.nextID++
	d.regs[id] = reg
	go reg.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.regs, id)
			d.mu.Unlock()
			reg.stop()
		})
	}, nil
}

// notify queues ev for every watcher of the event's parent. Callers hold
// their write lock so queues observe writes in commit order.
func (d *dispatcher) notify(ev Event) {
	parent := path.Dir(ev.Path)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, reg := range d.regs {
		if reg.parent == parent {
			reg.push(ev)
		}
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	regs := d.regs
	d.regs = make(map[uint64]*registration)
	d.closed = true
	d.mu.Unlock()
	for _, reg := range regs {
		reg.stop()
	}
}

func (r *registration) push(ev Event) {
	ev.Data = append([]byte(nil), ev.Data...)
	r.mu.Lock()
	if !r.closed {
		r.queue = append(r.queue, ev)
		r.cond.Signal()
	}
	r.mu.Unlock()
}

func (r *registration) stop() {
	r.mu.Lock()
	r.closed = true
	r.queue = nil
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
}

func (r *registration) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.w.Process(ev)
	}
}
