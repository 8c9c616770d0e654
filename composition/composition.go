// Package composition models a time-coded edit as a tree of stacks, tracks
// and items, and resolves global times to the clips that should be decoded.
//
// A Composition is read-only once handed to a timeline. Every operation in
// this package only reads the tree.
package composition

import (
	"errors"
	"fmt"

	"github.com/zsiec/loupe/rtime"
)

// ErrInvalidComposition wraps structural problems reported by Validate.
var ErrInvalidComposition = errors.New("composition: invalid")

// Kind is the media kind carried by a track.
type Kind string

// Track kinds.
const (
	KindVideo Kind = "Video"
	KindAudio Kind = "Audio"
)

// TransitionType selects how two items are blended.
type TransitionType string

// Supported transition types.
const (
	TransitionNone     TransitionType = ""
	TransitionDissolve TransitionType = "SMPTE_Dissolve"
)

// Item is one child of a Track: *Clip, *Gap, *Transition or *Stack.
type Item interface {
	// ItemName returns the item's display name.
	ItemName() string
	// Duration is the time the item occupies in its track. Transitions
	// occupy none.
	Duration() rtime.Time
}

// MediaRef locates the bytes behind a clip. Exactly one of URL or Memory is
// normally set. Memory holds one span per frame for in-memory sequences or
// a single span for an in-memory file.
type MediaRef struct {
	URL            string      `json:"url,omitempty"`
	Memory         [][]byte    `json:"-"`
	AvailableRange rtime.Range `json:"availableRange"`
}

// IsMemory reports whether the reference points at in-memory bytes.
func (m MediaRef) IsMemory() bool { return len(m.Memory) > 0 }

// Clip references a trimmed range of a media source.
type Clip struct {
	Name        string
	Ref         MediaRef
	SourceRange rtime.Range
}

// ItemName implements Item.
func (c *Clip) ItemName() string { return c.Name }

// TrimmedRange is the part of the media the clip plays: SourceRange if set,
// otherwise the reference's available range.
func (c *Clip) TrimmedRange() rtime.Range {
	if c.SourceRange.IsValid() {
		return c.SourceRange
	}
	return c.Ref.AvailableRange
}

// Duration implements Item.
func (c *Clip) Duration() rtime.Time { return c.TrimmedRange().Duration }

// Gap is empty space in a track.
type Gap struct {
	Name   string
	Length rtime.Time
}

// ItemName implements Item.
func (g *Gap) ItemName() string { return g.Name }

// Duration implements Item.
func (g *Gap) Duration() rtime.Time { return g.Length }

// Transition blends the items on either side of it. The blend window is
// [cut-InOffset, cut+OutOffset) where cut is the boundary between them.
type Transition struct {
	Name      string
	Type      TransitionType
	InOffset  rtime.Time
	OutOffset rtime.Time
}

// ItemName implements Item.
func (t *Transition) ItemName() string { return t.Name }

// Duration implements Item. Transitions overlap their neighbours.
func (t *Transition) Duration() rtime.Time {
	return rtime.Time{Value: 0, Rate: t.InOffset.Rate}
}

// Track is an ordered sequence of items of one kind.
type Track struct {
	Name     string
	Kind     Kind
	Disabled bool
	Items    []Item
}

// Stack layers tracks on top of each other; later tracks draw above
// earlier ones. A Stack can also be nested as an Item inside a Track.
type Stack struct {
	Name        string
	Tracks      []*Track
	SourceRange rtime.Range
}

// ItemName implements Item.
func (s *Stack) ItemName() string { return s.Name }

// Duration implements Item.
func (s *Stack) Duration() rtime.Time { return s.TrimmedRange().Duration }

// TrimmedRange is SourceRange if set, otherwise [0, longest track).
func (s *Stack) TrimmedRange() rtime.Range {
	if s.SourceRange.IsValid() {
		return s.SourceRange
	}
	var longest rtime.Time
	for _, tr := range s.Tracks {
		d := tr.Duration()
		if !longest.IsValid() || d.After(longest) {
			longest = d
		}
	}
	if !longest.IsValid() {
		return rtime.InvalidRange
	}
	return rtime.NewRange(rtime.Time{Value: 0, Rate: longest.Rate}, longest)
}

// Composition is the root of an edit.
type Composition struct {
	Name        string
	GlobalStart rtime.Time
	Stack       *Stack
}

// TimeRange is the global span of the composition, starting at GlobalStart
// and lasting as long as the longest video track, or the longest audio
// track when there is no video.
func (c *Composition) TimeRange() rtime.Range {
	if c == nil || c.Stack == nil {
		return rtime.InvalidRange
	}
	var video, audio rtime.Time
	for _, tr := range c.Stack.Tracks {
		d := tr.Duration()
		switch tr.Kind {
		case KindVideo:
			if !video.IsValid() || d.After(video) {
				video = d
			}
		case KindAudio:
			if !audio.IsValid() || d.After(audio) {
				audio = d
			}
		}
	}
	duration := video
	if !duration.IsValid() {
		duration = audio
	}
	if !duration.IsValid() {
		return rtime.InvalidRange
	}
	start := c.GlobalStart
	if !start.IsValid() {
		start = rtime.Time{Value: 0, Rate: duration.Rate}
	}
	return rtime.NewRange(start, duration.Rescale(start.Rate))
}

// Clips returns every clip in the tree, depth first.
func (c *Composition) Clips() []*Clip {
	if c == nil || c.Stack == nil {
		return nil
	}
	var out []*Clip
	var walk func(s *Stack)
	walk = func(s *Stack) {
		for _, tr := range s.Tracks {
			for _, it := range tr.Items {
				switch v := it.(type) {
				case *Clip:
					out = append(out, v)
				case *Stack:
					walk(v)
				}
			}
		}
	}
	walk(c.Stack)
	return out
}

// FirstClip returns the first clip on the first enabled track of the given
// kind, or nil.
func (c *Composition) FirstClip(kind Kind) *Clip {
	if c == nil || c.Stack == nil {
		return nil
	}
	for _, tr := range c.Stack.Tracks {
		if tr.Kind != kind || tr.Disabled {
			continue
		}
		for _, it := range tr.Items {
			if clip, ok := it.(*Clip); ok {
				return clip
			}
		}
	}
	return nil
}

// Validate checks the structural rules the resolver depends on.
func (c *Composition) Validate() error {
	if c == nil || c.Stack == nil {
		return fmt.Errorf("%w: missing stack", ErrInvalidComposition)
	}
	return validateStack(c.Stack, c.Name)
}

func validateStack(s *Stack, path string) error {
	for ti, tr := range s.Tracks {
		if tr.Kind != KindVideo && tr.Kind != KindAudio {
			return fmt.Errorf("%w: %s track %d: unknown kind %q", ErrInvalidComposition, path, ti, tr.Kind)
		}
		for i, it := range tr.Items {
			switch v := it.(type) {
			case *Transition:
				if i == 0 || i == len(tr.Items)-1 {
					return fmt.Errorf("%w: %s track %d: transition %q at track edge", ErrInvalidComposition, path, ti, v.Name)
				}
				if _, ok := tr.Items[i+1].(*Transition); ok {
					return fmt.Errorf("%w: %s track %d: adjacent transitions at %d", ErrInvalidComposition, path, ti, i)
				}
				if v.InOffset.Value < 0 || v.OutOffset.Value < 0 {
					return fmt.Errorf("%w: %s track %d: negative transition offset", ErrInvalidComposition, path, ti)
				}
			case *Clip:
				if !v.TrimmedRange().IsValid() {
					return fmt.Errorf("%w: %s track %d: clip %q has no valid range", ErrInvalidComposition, path, ti, v.Name)
				}
			case *Gap:
				if !v.Length.IsValid() || v.Length.Value < 0 {
					return fmt.Errorf("%w: %s track %d: gap %q has invalid length", ErrInvalidComposition, path, ti, v.Name)
				}
			case *Stack:
				if err := validateStack(v, path+"/"+v.Name); err != nil {
					return err
				}
			case nil:
				return fmt.Errorf("%w: %s track %d: nil item at %d", ErrInvalidComposition, path, ti, i)
			}
		}
	}
	return nil
}
