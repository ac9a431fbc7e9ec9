package ipc

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the number of concurrent pipe readers/writers
const DefaultPoolSize = 5

// Pool runs blocking pipe I/O with bounded concurrency.
// Go never blocks the caller; excess work queues until a slot frees.
type Pool struct {
	sem  *semaphore.Weighted
	size int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most size tasks at once
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Size returns the concurrency bound
func (p *Pool) Size() int { return p.size }

// Go schedules fn. It fails with ErrClosed after Close.
func (p *Pool) Go(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return newError(KindClosed, "worker pool is shut down")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		// queued tasks still run after Close; only new submissions are refused
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Close stops accepting new work. Running and queued tasks are not interrupted.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until every scheduled task has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}
