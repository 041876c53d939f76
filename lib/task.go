package lib

import (
	"context"
	"fmt"
)

// TaskHandle owns the background goroutine of a connection. The context
// handed to the goroutine is its close signal: Close cancels it, and so
// does a finalizer on the facade that owns the handle.
type TaskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newTaskHandle() *TaskHandle {
	return &TaskHandle{done: make(chan struct{})}
}

// start runs fn in its own goroutine. Done may be handed out before start
// is called.
func (t *TaskHandle) start(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			}
		}()

		t.err = fn(ctx)
	}()
}

func spawn(fn func(ctx context.Context) error) *TaskHandle {
	t := newTaskHandle()
	t.start(fn)
	return t
}

// Wait blocks until the task finished on its own and returns its result.
// It does not ask the task to stop.
func (t *TaskHandle) Wait() error {
	<-t.done
	return t.err
}

// Close asks the task to stop and waits for it. Closing an already closed
// handle returns the same result again.
func (t *TaskHandle) Close() error {
	t.cancel()
	return t.Wait()
}

// Done is closed once the task has finished.
func (t *TaskHandle) Done() <-chan struct{} { return t.done }

func (t *TaskHandle) signal() { t.cancel() }
