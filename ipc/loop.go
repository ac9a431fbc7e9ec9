package ipc

import (
	"context"
	"sync"
)

// Task runs on a Loop. ctx identifies the loop (see Loop.Owns).
type Task func(ctx context.Context)

type loopKey struct{}

// Loop is a single-goroutine FIFO task queue: the home execution context
// of a Sender or Receiver. Registration, demultiplexing and callback
// invocation all run here; blocking I/O never does.
type Loop struct {
	mu      sync.Mutex
	queue   []Task
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewLoop creates a loop. Call Start to run it.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(context.WithValue(context.Background(), loopKey{}, l))
	return l
}

// Start runs the loop in its own goroutine
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.stopped {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		task(l.ctx)
	}
}

// Post enqueues task. It never blocks and reports false once the loop is stopped.
func (l *Loop) Post(task Task) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs task on the loop and waits for it to finish.
// Calling it from the loop itself runs task inline.
func (l *Loop) Call(ctx context.Context, task func(ctx context.Context) error) error {
	if l.Owns(ctx) {
		return task(ctx)
	}
	result := make(chan error, 1)
	if !l.Post(func(loopCtx context.Context) { result <- task(loopCtx) }) {
		return newError(KindClosed, "loop stopped")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Owns reports whether ctx was handed out by this loop to a running task
func (l *Loop) Owns(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Context returns the context handed to tasks. It is cancelled by Stop.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Stop drains queued tasks, then ends the loop
func (l *Loop) Stop() {
	l.mu.Lock()
	already := l.stopped
	l.stopped = true
	l.mu.Unlock()
	if already {
		return
	}
	l.cancel()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
