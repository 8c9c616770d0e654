// Package async provides the promise/future handles returned by reader
// backends and timelines, and the bounded-wait worker loop shared by the
// request schedulers.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCanceled is returned by futures whose producer gave up on them.
var ErrCanceled = errors.New("async: canceled")

// ErrPending is returned by Result before the future settles.
var ErrPending = errors.New("async: pending")

type state[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func (s *state[T]) settle(v T, err error) bool {
	settled := false
	s.once.Do(func() {
		s.val = v
		s.err = err
		close(s.done)
		settled = true
	})
	return settled
}

// Promise is the producer side of a Future. Only the first Resolve or
// Reject takes effect.
type Promise[T any] struct {
	s *state[T]
}

// Future is the consumer side. The only blocking call is Wait.
type Future[T any] struct {
	s *state[T]
}

// NewPromise returns an unsettled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{s: &state[T]{done: make(chan struct{})}}
}

// Future returns the handle waiters observe.
func (p *Promise[T]) Future() *Future[T] {
	return &Future[T]{s: p.s}
}

// Resolve settles the promise with v. It reports whether this call settled it.
func (p *Promise[T]) Resolve(v T) bool {
	return p.s.settle(v, nil)
}

// Reject settles the promise with err.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.s.settle(zero, err)
}

// Settled reports whether the promise has been resolved or rejected.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.s.done:
		return true
	default:
		return false
	}
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.s.done }

// Ready reports whether the future has settled, without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.s.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value without blocking, or ErrPending.
func (f *Future[T]) Result() (T, error) {
	if !f.Ready() {
		var zero T
		return zero, ErrPending
	}
	return f.s.val, f.s.err
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.s.done:
		return f.s.val, f.s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved returns an already settled future.
func Resolved[T any](v T) *Future[T] {
	p := NewPromise[T]()
	p.Resolve(v)
	return p.Future()
}

// Failed returns a future already rejected with err.
func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p.Future()
}

// Go runs fn on a new goroutine and settles the returned future with its
// result. A panic in fn rejects the future instead of crashing the process.
func Go[T any](fn func() (T, error)) *Future[T] {
	p := NewPromise[T]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.Reject(fmt.Errorf("async: panic: %v", r))
			}
		}()
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p.Future()
}
