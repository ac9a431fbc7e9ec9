package ipc

import (
	"context"
	"io"
	"sync"
)

// FetchFunc receives the readable end of a fetched stream. It owns the reader.
type FetchFunc func(ctx context.Context, streamID string, r io.ReadCloser)

// PushFunc receives the writable end of a pushed stream. It owns the writer.
type PushFunc func(ctx context.Context, streamID string, w io.WriteCloser)

// streamRegistry holds single-use callbacks keyed by stream id
type streamRegistry[T any] struct {
	mu        sync.Mutex
	callbacks map[string]T
}

func newStreamRegistry[T any]() *streamRegistry[T] {
	return &streamRegistry[T]{callbacks: make(map[string]T)}
}

// put registers cb, replacing any earlier registration for streamID
func (r *streamRegistry[T]) put(streamID string, cb T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[streamID] = cb
}

// take removes and returns the callback for streamID
func (r *streamRegistry[T]) take(streamID string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.callbacks[streamID]
	if ok {
		delete(r.callbacks, streamID)
	}
	return cb, ok
}

func (r *streamRegistry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

func (r *streamRegistry[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = make(map[string]T)
}
