package rtime

import (
	"fmt"
	"math"
)

// Range is a half-open span [Start, Start+Duration).
type Range struct {
	Start    Time `json:"start" yaml:"start"`
	Duration Time `json:"duration" yaml:"duration"`
}

// InvalidRange is the canonical invalid range.
var InvalidRange = Range{}

// NewRange returns a range with the given start and duration.
func NewRange(start, duration Time) Range {
	return Range{Start: start, Duration: duration}
}

// RangeFromStartEnd returns [start, end) at the start's rate.
func RangeFromStartEnd(start, end Time) Range {
	e := end.Rescale(start.Rate)
	return Range{Start: start, Duration: Time{Value: e.Value - start.Value, Rate: start.Rate}}
}

// RangeFromStartEndInclusive returns [start, end] at the start's rate,
// where end is the last frame included.
func RangeFromStartEndInclusive(start, end Time) Range {
	e := end.Rescale(start.Rate)
	return Range{Start: start, Duration: Time{Value: e.Value - start.Value + 1, Rate: start.Rate}}
}

// IsValid reports whether both endpoints are valid and the duration is not
// negative.
func (r Range) IsValid() bool {
	return r.Start.IsValid() && r.Duration.IsValid() && r.Duration.Value >= 0
}

// EndExclusive returns Start+Duration.
func (r Range) EndExclusive() Time {
	return r.Start.Add(r.Duration)
}

// EndInclusive returns the last whole frame inside the range, or Start for
// ranges shorter than one frame.
func (r Range) EndInclusive() Time {
	et := r.EndExclusive().Rescale(r.Duration.Rate)
	if et.Sub(r.Start.Rescale(r.Duration.Rate)).Value > 1 {
		if r.Duration.Value != math.Floor(r.Duration.Value) {
			return et.Floor()
		}
		return Time{Value: et.Value - 1, Rate: et.Rate}
	}
	return r.Start
}

// Contains reports whether t lies within [Start, EndExclusive).
func (r Range) Contains(t Time) bool {
	if !r.IsValid() || !t.IsValid() {
		return false
	}
	return t.Compare(r.Start) >= 0 && t.Before(r.EndExclusive())
}

// ContainsRange reports whether o lies entirely inside r.
func (r Range) ContainsRange(o Range) bool {
	if !r.IsValid() || !o.IsValid() {
		return false
	}
	return o.Start.Compare(r.Start) >= 0 && o.EndExclusive().Compare(r.EndExclusive()) <= 0
}

// Intersects reports whether r and o overlap by a non-empty span.
func (r Range) Intersects(o Range) bool {
	if !r.IsValid() || !o.IsValid() {
		return false
	}
	return r.Start.Before(o.EndExclusive()) && o.Start.Before(r.EndExclusive())
}

// Intersection returns the overlap of r and o.
func (r Range) Intersection(o Range) (Range, bool) {
	if !r.Intersects(o) {
		return InvalidRange, false
	}
	start := Max(r.Start, o.Start)
	end := Min(r.EndExclusive(), o.EndExclusive())
	return RangeFromStartEnd(start, end), true
}

// Clamp limits t to [Start, EndInclusive].
func (r Range) Clamp(t Time) Time {
	if t.Before(r.Start) {
		return r.Start.Rescale(t.Rate)
	}
	if end := r.EndInclusive(); t.After(end) {
		return end.Rescale(t.Rate)
	}
	return t
}

// Rescale returns r with both components expressed at rate.
func (r Range) Rescale(rate float64) Range {
	return Range{Start: r.Start.Rescale(rate), Duration: r.Duration.Rescale(rate)}
}

// Equal reports whether both ranges are valid and identical.
func (r Range) Equal(o Range) bool {
	return r.Start.Equal(o.Start) && r.Duration.Equal(o.Duration)
}

func (r Range) String() string {
	if !r.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("[%s, %s)", r.Start, r.EndExclusive())
}
