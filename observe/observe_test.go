package observe

import (
	"slices"
	"testing"
)

func TestValueObserve(t *testing.T) {
	t.Parallel()

	v := NewValue(1)
	var got []int
	cancel := v.Observe(func(x int) { got = append(got, x) })
	v.Set(2)
	v.Set(2)
	cancel()
	v.Set(3)

	if want := []int{1, 2, 2}; !slices.Equal(got, want) {
		t.Errorf("observed: got %v, want %v", got, want)
	}
	if v.Get() != 3 {
		t.Errorf("value: got %d, want 3", v.Get())
	}
	if v.Observers() != 0 {
		t.Errorf("observers after cancel: got %d", v.Observers())
	}
}

func TestNotifySkipsCurrent(t *testing.T) {
	t.Parallel()

	v := NewValue("a")
	var got []string
	v.Notify(func(s string) { got = append(got, s) })
	v.Set("b")
	if want := []string{"b"}; !slices.Equal(got, want) {
		t.Errorf("observed: got %v, want %v", got, want)
	}
}

func TestComparableSetIfChanged(t *testing.T) {
	t.Parallel()

	v := NewComparable(0)
	calls := 0
	v.Notify(func(int) { calls++ })
	if v.SetIfChanged(0) {
		t.Error("same value should not report a change")
	}
	if !v.SetIfChanged(5) {
		t.Error("new value should report a change")
	}
	if calls != 1 {
		t.Errorf("notifications: got %d, want 1", calls)
	}
}

func TestFuncSetIfChanged(t *testing.T) {
	t.Parallel()

	v := NewFunc([]int{1}, slices.Equal[[]int])
	calls := 0
	v.Notify(func([]int) { calls++ })
	v.SetIfChanged([]int{1})
	v.SetIfChanged([]int{1, 2})
	if calls != 1 {
		t.Errorf("notifications: got %d, want 1", calls)
	}
}

func TestObserverMaySetReentrantly(t *testing.T) {
	t.Parallel()

	a := NewValue(0)
	b := NewValue(0)
	a.Notify(func(x int) { b.Set(x * 2) })
	b.Notify(func(x int) {
		if x > 10 {
			a.Set(0)
		}
	})
	a.Set(6)
	if a.Get() != 0 || b.Get() != 0 {
		t.Errorf("values: a=%d b=%d, want 0 0", a.Get(), b.Get())
	}
}
