package composition

import "github.com/zsiec/loupe/rtime"

// IsVisible reports whether an item takes up time in its track.
func IsVisible(it Item) bool {
	_, isTransition := it.(*Transition)
	return !isTransition
}

func (t *Track) rate() float64 {
	for _, it := range t.Items {
		if d := it.Duration(); d.Rate > 0 && IsVisible(it) {
			return d.Rate
		}
	}
	return 0
}

// Duration is the summed length of every non-transition item.
func (t *Track) Duration() rtime.Time {
	rate := t.rate()
	if rate == 0 {
		return rtime.Invalid
	}
	total := rtime.Time{Value: 0, Rate: rate}
	for _, it := range t.Items {
		if IsVisible(it) {
			total = total.Add(it.Duration())
		}
	}
	return total
}

// RangeOfChild returns the span item i occupies in track-local time. For a
// transition it returns its blend window instead.
func (t *Track) RangeOfChild(i int) (rtime.Range, bool) {
	if i < 0 || i >= len(t.Items) {
		return rtime.InvalidRange, false
	}
	rate := t.rate()
	if rate == 0 {
		return rtime.InvalidRange, false
	}
	start := rtime.Time{Value: 0, Rate: rate}
	for j := 0; j < i; j++ {
		if IsVisible(t.Items[j]) {
			start = start.Add(t.Items[j].Duration())
		}
	}
	if tr, ok := t.Items[i].(*Transition); ok {
		in := tr.InOffset.Rescale(start.Rate)
		out := tr.OutOffset.Rescale(start.Rate)
		return rtime.RangeFromStartEnd(start.Sub(in), start.Add(out)), true
	}
	return rtime.NewRange(start, t.Items[i].Duration().Rescale(start.Rate)), true
}

// Neighbors returns the visible items immediately before and after index i.
func (t *Track) Neighbors(i int) (prev, next Item) {
	for j := i - 1; j >= 0; j-- {
		if IsVisible(t.Items[j]) {
			prev = t.Items[j]
			break
		}
	}
	for j := i + 1; j < len(t.Items); j++ {
		if IsVisible(t.Items[j]) {
			next = t.Items[j]
			break
		}
	}
	return prev, next
}
