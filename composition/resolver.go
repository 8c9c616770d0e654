package composition

import (
	"math"

	"github.com/zsiec/loupe/rtime"
)

// VideoLayer is what one video track shows at a given time. Clip is nil for
// gaps and empty track space; the layer is still reported so that layer
// order stays stable for compositing.
type VideoLayer struct {
	Track int
	Clip  *Clip
	Time  rtime.Time

	// Set only inside a transition window.
	Transition TransitionType
	ClipB      *Clip
	TimeB      rtime.Time
	Blend      float64
}

// AudioLayer is one clip heard during a requested range.
type AudioLayer struct {
	Track int
	Clip  *Clip
	// Range is the part of the request the clip covers, in global time.
	Range rtime.Range
	// MediaRange is Range mapped into the clip's media time.
	MediaRange rtime.Range
}

type placedItem struct {
	item Item
	rng  rtime.Range
}

type placedTransition struct {
	tr     *Transition
	window rtime.Range
	prev   placedItem
	next   placedItem
}

type placedTrack struct {
	index       int
	kind        Kind
	items       []placedItem
	transitions []placedTransition
}

// Resolver maps global times to active clips. It precomputes item ranges
// once; the composition must not change while the resolver is in use.
type Resolver struct {
	comp   *Composition
	rng    rtime.Range
	tracks []placedTrack
	nested map[*Stack][]placedTrack
}

// NewResolver indexes comp for resolution.
func NewResolver(comp *Composition) *Resolver {
	r := &Resolver{comp: comp, rng: comp.TimeRange(), nested: make(map[*Stack][]placedTrack)}
	if comp != nil && comp.Stack != nil {
		r.tracks = r.place(comp.Stack)
	}
	return r
}

func (r *Resolver) place(s *Stack) []placedTrack {
	out := make([]placedTrack, 0, len(s.Tracks))
	for ti, tr := range s.Tracks {
		if tr.Disabled {
			continue
		}
		pt := placedTrack{index: ti, kind: tr.Kind}
		for i, it := range tr.Items {
			rng, ok := tr.RangeOfChild(i)
			if !ok {
				continue
			}
			if t, isTr := it.(*Transition); isTr {
				prevRng, _ := tr.RangeOfChild(i - 1)
				nextRng, _ := tr.RangeOfChild(i + 1)
				prev, next := tr.Neighbors(i)
				pt.transitions = append(pt.transitions, placedTransition{
					tr:     t,
					window: rng,
					prev:   placedItem{item: prev, rng: prevRng},
					next:   placedItem{item: next, rng: nextRng},
				})
				continue
			}
			pt.items = append(pt.items, placedItem{item: it, rng: rng})
			if ns, isStack := it.(*Stack); isStack {
				if _, done := r.nested[ns]; !done {
					r.nested[ns] = r.place(ns)
				}
			}
		}
		out = append(out, pt)
	}
	return out
}

// TimeRange is the composition's global range.
func (r *Resolver) TimeRange() rtime.Range { return r.rng }

// Video returns one layer per enabled video track at global time t, in
// bottom-to-top order. Times outside the composition yield nil.
func (r *Resolver) Video(t rtime.Time) []VideoLayer {
	if !r.rng.Contains(t) {
		return nil
	}
	local := t.Sub(r.rng.Start)
	return r.videoAt(r.tracks, local, -1)
}

func (r *Resolver) videoAt(tracks []placedTrack, local rtime.Time, outer int) []VideoLayer {
	var out []VideoLayer
	for _, pt := range tracks {
		if pt.kind != KindVideo {
			continue
		}
		index := pt.index
		if outer >= 0 {
			index = outer
		}

		if layer, ok := r.transitionAt(pt, local, index); ok {
			out = append(out, layer)
			continue
		}

		found := false
		for _, pi := range pt.items {
			if !pi.rng.Contains(local) {
				continue
			}
			found = true
			switch v := pi.item.(type) {
			case *Clip:
				out = append(out, VideoLayer{Track: index, Clip: v, Time: videoMediaTime(local, pi.rng, v.TrimmedRange())})
			case *Stack:
				inner := local.Sub(pi.rng.Start).Add(v.TrimmedRange().Start)
				out = append(out, r.videoAt(r.nested[v], inner, index)...)
			default:
				out = append(out, VideoLayer{Track: index})
			}
			break
		}
		if !found {
			out = append(out, VideoLayer{Track: index})
		}
	}
	return out
}

func (r *Resolver) transitionAt(pt placedTrack, local rtime.Time, index int) (VideoLayer, bool) {
	for _, ptr := range pt.transitions {
		if !ptr.window.Contains(local) {
			continue
		}
		layer := VideoLayer{
			Track:      index,
			Transition: ptr.tr.Type,
			Blend:      TransitionValue(local, ptr.window),
		}
		layer.Clip, layer.Time = r.sideAt(ptr.prev, local)
		layer.ClipB, layer.TimeB = r.sideAt(ptr.next, local)
		return layer, true
	}
	return VideoLayer{}, false
}

// sideAt resolves one side of a transition. Times may fall outside the
// item's own range; the clip is then read from its handles.
func (r *Resolver) sideAt(pi placedItem, local rtime.Time) (*Clip, rtime.Time) {
	switch v := pi.item.(type) {
	case *Clip:
		return v, videoMediaTime(local, pi.rng, v.TrimmedRange())
	case *Stack:
		inner := local.Sub(pi.rng.Start).Add(v.TrimmedRange().Start)
		layers := r.videoAt(r.nested[v], inner, -1)
		for i := len(layers) - 1; i >= 0; i-- {
			if layers[i].Clip != nil {
				return layers[i].Clip, layers[i].Time
			}
		}
	}
	return nil, rtime.Invalid
}

// TransitionValue is the linear blend factor of t inside window: 0 at the
// window start and 1 at its end.
func TransitionValue(t rtime.Time, window rtime.Range) float64 {
	d := window.Duration.Seconds()
	if d <= 0 {
		return 0
	}
	v := t.Sub(window.Start).Seconds() / d
	return math.Max(0, math.Min(1, v))
}

// Audio returns every audible clip overlapping the global range rng.
func (r *Resolver) Audio(rng rtime.Range) []AudioLayer {
	if !rng.IsValid() || !r.rng.Intersects(rng) {
		return nil
	}
	local := rtime.NewRange(rng.Start.Sub(r.rng.Start), rng.Duration)
	return r.audioIn(r.tracks, local, r.rng.Start, -1)
}

func (r *Resolver) audioIn(tracks []placedTrack, local rtime.Range, origin rtime.Time, outer int) []AudioLayer {
	var out []AudioLayer
	for _, pt := range tracks {
		index := pt.index
		if outer >= 0 {
			index = outer
		}
		for _, pi := range pt.items {
			overlap, ok := pi.rng.Intersection(local)
			if !ok {
				continue
			}
			switch v := pi.item.(type) {
			case *Clip:
				if pt.kind != KindAudio {
					continue
				}
				out = append(out, AudioLayer{
					Track:      index,
					Clip:       v,
					Range:      rtime.NewRange(overlap.Start.Add(origin), overlap.Duration),
					MediaRange: audioMediaRange(overlap, pi.rng, v.TrimmedRange()),
				})
			case *Stack:
				shift := v.TrimmedRange().Start.Sub(pi.rng.Start)
				inner := rtime.NewRange(overlap.Start.Add(shift), overlap.Duration)
				out = append(out, r.audioIn(r.nested[v], inner, origin.Sub(shift), index)...)
			}
		}
	}
	return out
}

func videoMediaTime(local rtime.Time, inParent, trimmed rtime.Range) rtime.Time {
	rate := trimmed.Start.Rate
	return local.Sub(inParent.Start).Add(trimmed.Start).Rescale(rate).Round()
}

func audioMediaRange(overlap, inParent, trimmed rtime.Range) rtime.Range {
	rate := trimmed.Start.Rate
	start := overlap.Start.Sub(inParent.Start).Add(trimmed.Start)
	return rtime.NewRange(start.Rescale(rate), overlap.Duration.Rescale(rate))
}
