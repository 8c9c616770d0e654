// Package rtime provides rational time values and ranges used to address
// frames and samples on a composition timeline.
//
// A Time is a (value, rate) pair: 24 at rate 24 is one second. The zero Time
// has a rate of zero and is invalid. Invalid values must be checked with
// IsValid; they never compare equal to a valid time.
package rtime

import (
	"fmt"
	"math"
)

// Time is a point in time expressed as value/rate seconds.
type Time struct {
	Value float64 `json:"value" yaml:"value"`
	Rate  float64 `json:"rate" yaml:"rate"`
}

// Invalid is the canonical invalid time.
var Invalid = Time{}

// New returns the time value/rate.
func New(value, rate float64) Time {
	return Time{Value: value, Rate: rate}
}

// FromSeconds returns s seconds expressed at the given rate.
func FromSeconds(s, rate float64) Time {
	return Time{Value: s * rate, Rate: rate}
}

// IsValid reports whether t has a positive rate and a finite value.
func (t Time) IsValid() bool {
	return t.Rate > 0 && !math.IsNaN(t.Value) && !math.IsInf(t.Value, 0)
}

// Seconds returns t in seconds. Invalid times return 0.
func (t Time) Seconds() float64 {
	if t.Rate <= 0 {
		return 0
	}
	return t.Value / t.Rate
}

// Rescale converts t to the given rate without rounding.
func (t Time) Rescale(rate float64) Time {
	if t.Rate == rate || t.Rate <= 0 {
		return Time{Value: t.Value, Rate: rate}
	}
	return Time{Value: t.Value * rate / t.Rate, Rate: rate}
}

// Add returns t+o expressed at the larger of the two rates.
func (t Time) Add(o Time) Time {
	if t.Rate == o.Rate {
		return Time{Value: t.Value + o.Value, Rate: t.Rate}
	}
	rate := math.Max(t.Rate, o.Rate)
	return Time{Value: t.Rescale(rate).Value + o.Rescale(rate).Value, Rate: rate}
}

// Sub returns t-o expressed at the larger of the two rates.
func (t Time) Sub(o Time) Time {
	if t.Rate == o.Rate {
		return Time{Value: t.Value - o.Value, Rate: t.Rate}
	}
	rate := math.Max(t.Rate, o.Rate)
	return Time{Value: t.Rescale(rate).Value - o.Rescale(rate).Value, Rate: rate}
}

// AddFrames offsets t by n units of its own rate.
func (t Time) AddFrames(n float64) Time {
	return Time{Value: t.Value + n, Rate: t.Rate}
}

// Compare returns -1, 0 or +1. Both times must be valid; an invalid time
// sorts before every valid time.
func (t Time) Compare(o Time) int {
	tv, ov := t.IsValid(), o.IsValid()
	switch {
	case !tv && !ov:
		return 0
	case !tv:
		return -1
	case !ov:
		return 1
	}
	// Cross-multiplying keeps integral frame values exact.
	a := t.Value * o.Rate
	b := o.Value * t.Rate
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports whether t and o are valid and denote the same instant.
func (t Time) Equal(o Time) bool {
	return t.IsValid() && o.IsValid() && t.Compare(o) == 0
}

// Before reports whether t is strictly earlier than o. False if either is invalid.
func (t Time) Before(o Time) bool {
	return t.IsValid() && o.IsValid() && t.Compare(o) < 0
}

// After reports whether t is strictly later than o. False if either is invalid.
func (t Time) After(o Time) bool {
	return t.IsValid() && o.IsValid() && t.Compare(o) > 0
}

// Round rounds the value to the nearest whole unit of the rate.
func (t Time) Round() Time {
	return Time{Value: math.Round(t.Value), Rate: t.Rate}
}

// Floor rounds the value down.
func (t Time) Floor() Time {
	return Time{Value: math.Floor(t.Value), Rate: t.Rate}
}

// Ceil rounds the value up.
func (t Time) Ceil() Time {
	return Time{Value: math.Ceil(t.Value), Rate: t.Rate}
}

// Frame returns the value rounded to an integer frame number.
func (t Time) Frame() int64 {
	return int64(math.Round(t.Value))
}

func (t Time) String() string {
	if !t.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%g/%g", t.Value, t.Rate)
}

// Min returns the earlier of two valid times.
func Min(a, b Time) Time {
	if b.Before(a) {
		return b
	}
	return a
}

// Max returns the later of two valid times.
func Max(a, b Time) Time {
	if b.After(a) {
		return b
	}
	return a
}
