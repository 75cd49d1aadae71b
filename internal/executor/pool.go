// Package executor runs background work on a fixed set of goroutines.
package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("executor: pool closed")

// Task is a unit of work. The context is cancelled when the pool closes.
type Task func(ctx context.Context)

type job struct {
	name string
	fn   Task
}

type queue struct {
	ch chan job
}

// Pool executes tasks on a bounded number of workers. Submit blocks while
// the queue is full.
type Pool struct {
	logger *zap.Logger
	queues []queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newPool(workers, queueSize int, shared bool, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{logger: logger, ctx: ctx, cancel: cancel}
	if shared {
		q := queue{ch: make(chan job, queueSize)}
		p.queues = []queue{q}
		for i := 0; i < workers; i++ {
			p.wg.Add(1)
			go p.run(q)
		}
		return p
	}
	p.queues = make([]queue, workers)
	for i := range p.queues {
		p.queues[i] = queue{ch: make(chan job, queueSize)}
		p.wg.Add(1)
		go p.run(p.queues[i])
	}
	return p
}

// NewPool creates workers goroutines sharing one queue.
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	return newPool(workers, queueSize, true, logger)
}

// NewKeyedPool creates workers goroutines each owning a queue. Tasks
// submitted with the same key run one after another in submission order.
func NewKeyedPool(workers, queueSize int, logger *zap.Logger) *Pool {
	return newPool(workers, queueSize, false, logger)
}

func (p *Pool) run(q queue) {
	defer p.wg.Done()
	for j := range q.ch {
		p.execute(j)
	}
}

func (p *Pool) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.String("task", j.name), zap.Any("panic", r))
		}
	}()
	j.fn(p.ctx)
}

func (p *Pool) queueFor(key string) queue {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	return p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
}

// Submit queues fn. On a keyed pool name doubles as the key.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	return p.SubmitKeyed(ctx, name, name, fn)
}

// SubmitKeyed queues fn on the queue owning key.
func (p *Pool) SubmitKeyed(ctx context.Context, key, name string, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	q := p.queueFor(key)
	select {
	case q.ch <- job{name: name, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Dispatch queues fn without blocking, so tasks may queue follow-up work
// on the pool they run on. When the queue is full the task waits for room
// on its own goroutine and can run after tasks submitted later.
func (p *Pool) Dispatch(name string, fn Task) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	q := p.queueFor(name)
	j := job{name: name, fn: fn}
	select {
	case q.ch <- j:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	p.logger.Debug("queue full, task waits for room", zap.String("task", name))
	go func() {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.closed {
			return
		}
		select {
		case q.ch <- j:
		case <-p.ctx.Done():
		}
	}()
	return nil
}

// Close stops accepting tasks, cancels the task context and waits for the
// queued tasks to return.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q.ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
