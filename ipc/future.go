package ipc

import (
	"context"
	"sync"
)

// Future is the completion signal of a streamed send.
// It resolves exactly once; later resolutions are ignored.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result bool
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future, reporting whether this call won
func (f *Future) resolve(result bool, err error) bool {
	won := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future resolves
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has resolved
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Result() (bool, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return false, nil
	}
}

// Wait blocks until the future resolves or ctx is done
func (f *Future) Wait(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
