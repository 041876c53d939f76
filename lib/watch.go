package lib

import "sync"

// watch is a single slot holding the latest value. Writers overwrite it,
// readers always get the newest value, and nothing is ever queued.
type watch[T any] struct {
	mu      sync.Mutex
	val     T
	changed chan struct{} // closed and replaced on every update
}

func newWatch[T any](v T) *watch[T] {
	return &watch[T]{val: v, changed: make(chan struct{})}
}

func (w *watch[T]) update(v T) {
	w.mu.Lock()
	w.val = v
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

func (w *watch[T]) read() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.val
}

// notify returns a channel that is closed by the next update after this
// call. Updates that happen while nobody waits are not remembered beyond
// the value itself.
func (w *watch[T]) notify() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed
}
