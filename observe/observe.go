// Package observe provides observable values. Observers are called
// synchronously, outside the value's lock, in registration order.
package observe

import (
	"slices"
	"sync"
)

type observer[T any] struct {
	id uint64
	fn func(T)
}

// Value holds a T and notifies observers when it is set.
type Value[T any] struct {
	mu        sync.Mutex
	v         T
	nextID    uint64
	observers []observer[T]
}

// NewValue returns a Value holding v.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{v: v}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and notifies every observer.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	o.v = v
	obs := slices.Clone(o.observers)
	o.mu.Unlock()
	for _, ob := range obs {
		ob.fn(v)
	}
}

// Observe calls fn with the current value and then on every Set. The
// returned function removes the observer.
func (o *Value[T]) Observe(fn func(T)) (cancel func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.observers = append(o.observers, observer[T]{id: id, fn: fn})
	v := o.v
	o.mu.Unlock()

	fn(v)
	return func() { o.remove(id) }
}

// Notify registers fn for future changes only.
func (o *Value[T]) Notify(fn func(T)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.observers = append(o.observers, observer[T]{id: id, fn: fn})
	return func() { o.remove(id) }
}

func (o *Value[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = slices.DeleteFunc(o.observers, func(ob observer[T]) bool { return ob.id == id })
}

// Observers returns the number of registered observers.
func (o *Value[T]) Observers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.observers)
}

// Comparable is a Value that can skip redundant notifications.
type Comparable[T comparable] struct {
	Value[T]
}

// NewComparable returns a Comparable holding v.
func NewComparable[T comparable](v T) *Comparable[T] {
	return &Comparable[T]{Value: Value[T]{v: v}}
}

// SetIfChanged stores v and notifies observers only when v differs from
// the current value. It reports whether it changed.
func (o *Comparable[T]) SetIfChanged(v T) bool {
	o.mu.Lock()
	if o.v == v {
		o.mu.Unlock()
		return false
	}
	o.v = v
	obs := slices.Clone(o.observers)
	o.mu.Unlock()
	for _, ob := range obs {
		ob.fn(v)
	}
	return true
}

// Func is a Value whose change test is supplied by the caller, for types
// that are not comparable.
type Func[T any] struct {
	Value[T]
	equal func(a, b T) bool
}

// NewFunc returns a Func holding v that uses equal to detect changes.
func NewFunc[T any](v T, equal func(a, b T) bool) *Func[T] {
	return &Func[T]{Value: Value[T]{v: v}, equal: equal}
}

// SetIfChanged stores v and notifies observers only when equal reports a
// difference.
func (o *Func[T]) SetIfChanged(v T) bool {
	o.mu.Lock()
	if o.equal(o.v, v) {
		o.mu.Unlock()
		return false
	}
	o.v = v
	obs := slices.Clone(o.observers)
	o.mu.Unlock()
	for _, ob := range obs {
		ob.fn(v)
	}
	return true
}
