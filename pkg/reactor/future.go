package reactor

import (
	"context"
	"sync"
)

// Future is a one-shot result handed from the loop to a waiting task. The
// first Resolve or Reject wins, later ones report false and are ignored.
type Future[T any] struct {
	mu       sync.Mutex
	resolved bool
	val      T
	err      error
	done     chan struct{}
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	f.resolved = true
	f.val = v
	f.err = err
	close(f.done)
	return true
}

// Pending reports whether the future is still unresolved
func (f *Future[T]) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.resolved
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome of a resolved future
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Await blocks until the future resolves or ctx ends. A context error leaves
// the future pending; the caller is expected to cancel whatever would
// resolve it.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
