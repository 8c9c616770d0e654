package composition

import "github.com/zsiec/loupe/rtime"

// New returns a composition starting at zero whose root stack holds tracks.
func New(name string, tracks ...*Track) *Composition {
	return &Composition{Name: name, Stack: &Stack{Name: name, Tracks: tracks}}
}

// NewTrack returns an enabled track.
func NewTrack(name string, kind Kind, items ...Item) *Track {
	return &Track{Name: name, Kind: kind, Items: items}
}

// NewClip returns a clip playing r of the media at url. The available range
// defaults to r.
func NewClip(name, url string, r rtime.Range) *Clip {
	return &Clip{Name: name, Ref: MediaRef{URL: url, AvailableRange: r}, SourceRange: r}
}

// NewGap returns a gap lasting length.
func NewGap(length rtime.Time) *Gap {
	return &Gap{Length: length}
}

// NewDissolve returns a dissolve spanning in before and out after the cut.
func NewDissolve(in, out rtime.Time) *Transition {
	return &Transition{Type: TransitionDissolve, InOffset: in, OutOffset: out}
}
