package rtime

import "sort"

// ToRanges collapses a set of frame times into contiguous inclusive ranges.
// Frames further than one unit apart start a new range.
func ToRanges(frames []Time) []Range {
	if len(frames) == 0 {
		return nil
	}
	sorted := make([]Time, len(frames))
	copy(sorted, frames)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var out []Range
	first := sorted[0]
	last := sorted[0]
	for _, f := range sorted[1:] {
		if f.Sub(last).Rescale(last.Rate).Value > 1 {
			out = append(out, RangeFromStartEndInclusive(first, last))
			first = f
		}
		last = f
	}
	return append(out, RangeFromStartEndInclusive(first, last))
}

// Loop wraps t into [bounds.Start, bounds.EndInclusive]. The second return
// value reports whether any wrapping happened.
func Loop(t Time, bounds Range) (Time, bool) {
	looped := false
	if bounds.Duration.Value <= 0 {
		return t, false
	}
	start := bounds.Start
	end := bounds.EndInclusive()
	for t.Before(start) {
		t = t.Add(bounds.Duration)
		looped = true
	}
	for t.After(end) {
		t = t.Sub(bounds.Duration)
		looped = true
	}
	return t, looped
}

// LoopRange wraps r into bounds, splitting it in two when it straddles
// either end. Ranges entirely outside bounds yield nothing.
func LoopRange(r, bounds Range) []Range {
	rs := r.Start
	bs := bounds.Start
	re := r.EndInclusive()
	be := bounds.EndInclusive()
	one := Time{Value: 1, Rate: r.Duration.Rate}

	switch {
	case rs.Compare(bs) >= 0 && re.Compare(be) <= 0:
		return []Range{r}
	case rs.Before(bs) && re.After(be):
		return []Range{bounds}
	case rs.Before(bs) && re.Compare(bs) >= 0:
		return []Range{
			RangeFromStartEndInclusive(be.Sub(bs.Sub(rs).Sub(one)), be),
			RangeFromStartEndInclusive(bs, re),
		}
	case rs.Compare(be) <= 0 && re.After(be):
		return []Range{
			RangeFromStartEndInclusive(rs, be),
			RangeFromStartEndInclusive(bs, bs.Add(re.Sub(be).Sub(one))),
		}
	}
	return nil
}

// Frames enumerates every whole frame in r at the range's rate.
func Frames(r Range) []Time {
	if !r.IsValid() {
		return nil
	}
	start := r.Start.Rescale(r.Duration.Rate).Round()
	end := r.EndExclusive().Rescale(r.Duration.Rate)
	var out []Time
	for t := start; t.Before(end); t = t.AddFrames(1) {
		out = append(out, t)
	}
	return out
}
