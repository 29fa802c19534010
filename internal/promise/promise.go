// Package promise provides a value that is settled exactly once and can be
// awaited from a select statement.
package promise

import "sync"

type promise[T any] struct {
	value  T
	err    error
	doneCh chan struct{}
	once   sync.Once
}

// Promise is settled by the first call to Resolve or Reject; later calls are
// ignored.
type Promise[T any] interface {
	Deferred[T]
	Waitable[T]
}

type Deferred[T any] interface {
	Resolve(value T) bool
	Reject(err error) bool
}

type Waitable[T any] interface {
	Done() <-chan struct{}
	Wait() (T, error)
	Settled() bool
}

func New[T any]() Promise[T] {
	return &promise[T]{
		doneCh: make(chan struct{}),
	}
}

func (p *promise[T]) done(value T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.doneCh)
		settled = true
	})
	return settled
}

func (p *promise[T]) Resolve(value T) bool {
	return p.done(value, nil)
}

func (p *promise[T]) Reject(err error) bool {
	var zero T
	return p.done(zero, err)
}

func (p *promise[T]) Done() <-chan struct{} {
	return p.doneCh
}

func (p *promise[T]) Settled() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

func (p *promise[T]) Wait() (T, error) {
	<-p.doneCh
	return p.value, p.err
}
