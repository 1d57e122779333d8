package client

import (
	"context"
	"sync"

	"blobgate/pkg/apierr"
	"blobgate/pkg/core"
	"blobgate/pkg/types"
)

// call is the single-assignment cell behind one outbound request.
type call struct {
	id   types.RequestID
	op   core.Op
	done chan struct{}
	once sync.Once

	reply *core.Reply
	err   error
}

func newCall(id types.RequestID, op core.Op) *call {
	return &call{id: id, op: op, done: make(chan struct{})}
}

// complete settles the cell. Only the first completion wins; it reports
// whether this one did.
func (c *call) complete(rep *core.Reply, err error) bool {
	won := false
	c.once.Do(func() {
		c.reply = rep
		c.err = err
		close(c.done)
		won = true
	})
	return won
}

// Future is the result handle of an asynchronous operation. It completes
// exactly once, with a value or a typed failure.
type Future[T any] struct {
	op      core.Op
	done    <-chan struct{}
	resolve func() (T, error)

	once sync.Once
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the result. A ctx that ends first yields Cancelled or
// Timeout for this caller only; the request itself stays pending until its
// own deadline.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		return zero, apierr.Wrap(apierr.KindOf(ctx.Err()), string(f.op), ctx.Err())
	}
	f.once.Do(func() { f.val, f.err = f.resolve() })
	return f.val, f.err
}

// Ready reports whether the future has completed.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// futureOf binds a call to a typed decoder for its reply body.
func futureOf[T any](c *call, decode func(*core.Reply) (T, error)) *Future[T] {
	return &Future[T]{
		op:   c.op,
		done: c.done,
		resolve: func() (T, error) {
			var zero T
			if c.err != nil {
				return zero, c.err
			}
			if c.reply.Failure != nil {
				return zero, c.reply.Failure.Err(c.op)
			}
			return decode(c.reply)
		},
	}
}

// bodyAs decodes the reply body into a fresh T.
func bodyAs[T any](rep *core.Reply) (T, error) {
	var out T
	if err := core.DecodeBody(rep.Body, &out); err != nil {
		return out, apierr.Wrap(apierr.KindInternal, "decode reply", err)
	}
	return out, nil
}

// ack ignores the reply body.
func ack(*core.Reply) (struct{}, error) { return struct{}{}, nil }

// derive runs fn in its own goroutine and completes with its result. Used
// for operations composed of several requests.
func derive[T any](op core.Op, fn func() (T, error)) *Future[T] {
	done := make(chan struct{})
	var val T
	var err error
	go func() {
		defer close(done)
		val, err = fn()
	}()
	return &Future[T]{
		op:      op,
		done:    done,
		resolve: func() (T, error) { return val, err },
	}
}

// failed returns an already completed future.
func failed[T any](op core.Op, err error) *Future[T] {
	done := make(chan struct{})
	close(done)
	return &Future[T]{
		op:      op,
		done:    done,
		resolve: func() (T, error) {
			var zero T
			return zero, err
		},
	}
}
