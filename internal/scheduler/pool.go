package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolFull is returned by Submit when every worker is busy and the
// wait queue, if any, is full.
var ErrPoolFull = errors.New("crawl pool is full")

// ErrPoolStopped is returned once Stop has been called.
var ErrPoolStopped = errors.New("crawl pool stopped")

// Task is one unit of pool work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers. Up to queueSize further
// tasks may wait for a worker; anything beyond that is rejected.
type Pool struct {
	size      int
	queueSize int
	slots     chan struct{}
	tasks     chan Task

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool builds a pool of size workers with room for queueSize waiting
// tasks. A queueSize of zero disables the queue.
func NewPool(size, queueSize int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		size:      size,
		queueSize: queueSize,
		slots:     make(chan struct{}, size+queueSize),
		tasks:     make(chan Task, size+queueSize),
	}
}

// Start launches the workers. They exit when ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for range p.size {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task(ctx)
			<-p.slots
		}
	}
}

// Submit hands task to the pool without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.slots <- struct{}{}:
		p.tasks <- task
		return nil
	default:
		return ErrPoolFull
	}
}

// SubmitWait hands task to the pool, blocking until there is room.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl pool: %w", ctx.Err())
	case p.slots <- struct{}{}:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		<-p.slots
		return ErrPoolStopped
	}
	p.tasks <- task
	return nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// InUse returns the number of running plus waiting tasks.
func (p *Pool) InUse() int { return len(p.slots) }

// Waiting returns the number of tasks queued for a worker.
func (p *Pool) Waiting() int { return len(p.tasks) }

// QueueSize returns the wait queue capacity.
func (p *Pool) QueueSize() int { return p.queueSize }

// Stop refuses new tasks, drains the ones still waiting and waits for
// running tasks to finish. Drained tasks are returned to the caller.
func (p *Pool) Stop() []Task {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	var drained []Task
drain:
	for {
		select {
		case t := <-p.tasks:
			<-p.slots
			drained = append(drained, t)
		default:
			break drain
		}
	}
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
	return drained
}
