package authz

import "context"

// Result is a single-resolution slot for a pending request's outcome.
type Result[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// fulfill must be called at most once; the broker's claim guarantees that.
func (r *Result[T]) fulfill(value T, err error) {
	r.value = value
	r.err = err
	close(r.done)
}

// Done is closed once the result is available.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request is resolved or ctx ends. A timed-out request
// returns the safe default value together with ErrTimeout.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
