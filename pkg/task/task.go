// Package task runs operations in the background behind a handle that can be
// waited on and cancelled.
package task

import (
	"context"
	"fmt"
)

// Task is a running operation returning a T.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}
	result T
	err    error
}

// Go runs fn in a new goroutine. The context passed to fn is cancelled by
// Cancel or when ctx is done. A panic in fn is returned as an error.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		t.result, t.err = fn(ctx)
	}()
	return t
}

// Wait blocks until the task finishes or ctx is done. Giving up on waiting
// does not cancel the task.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-t.done:
		return t.result, t.err
	}
}

// Cancel requests the task to stop. It does not wait for it to finish.
func (t *Task[T]) Cancel() {
	t.cancel()
}

func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}
