// Package compfile reads and writes compositions as YAML documents.
//
// Times in a document are frame counts. Each item may carry its own rate;
// otherwise it inherits the rate of its track, and tracks inherit the rate
// of the document.
//
//	name: demo
//	rate: 24
//	tracks:
//	  - name: V1
//	    kind: video
//	    items:
//	      - clip: {name: bars, url: bars.pattern, start: 0, duration: 48}
//	      - transition: {type: dissolve, in: 6, out: 6}
//	      - gap: {duration: 12}
package compfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/rtime"
)

// ErrFormat is returned for documents that decode but do not describe a
// composition.
var ErrFormat = errors.New("compfile: bad document")

type document struct {
	Name   string     `yaml:"name"`
	Rate   float64    `yaml:"rate"`
	Start  float64    `yaml:"start,omitempty"`
	Tracks []trackDoc `yaml:"tracks"`
}

type trackDoc struct {
	Name     string    `yaml:"name,omitempty"`
	Kind     string    `yaml:"kind"`
	Disabled bool      `yaml:"disabled,omitempty"`
	Rate     float64   `yaml:"rate,omitempty"`
	Items    []itemDoc `yaml:"items"`
}

type itemDoc struct {
	Clip       *clipDoc       `yaml:"clip,omitempty"`
	Gap        *gapDoc        `yaml:"gap,omitempty"`
	Transition *transitionDoc `yaml:"transition,omitempty"`
	Stack      *stackDoc      `yaml:"stack,omitempty"`
}

type rangeDoc struct {
	Start    float64 `yaml:"start"`
	Duration float64 `yaml:"duration"`
	Rate     float64 `yaml:"rate,omitempty"`
}

type clipDoc struct {
	Name      string    `yaml:"name,omitempty"`
	URL       string    `yaml:"url"`
	Rate      float64   `yaml:"rate,omitempty"`
	Start     float64   `yaml:"start"`
	Duration  float64   `yaml:"duration"`
	Available *rangeDoc `yaml:"available,omitempty"`
}

type gapDoc struct {
	Name     string  `yaml:"name,omitempty"`
	Duration float64 `yaml:"duration"`
	Rate     float64 `yaml:"rate,omitempty"`
}

type transitionDoc struct {
	Name string  `yaml:"name,omitempty"`
	Type string  `yaml:"type"`
	In   float64 `yaml:"in"`
	Out  float64 `yaml:"out"`
	Rate float64 `yaml:"rate,omitempty"`
}

type stackDoc struct {
	Name   string     `yaml:"name,omitempty"`
	Range  *rangeDoc  `yaml:"range,omitempty"`
	Tracks []trackDoc `yaml:"tracks"`
}

// Load reads and parses the composition file at path.
func Load(path string) (*composition.Composition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compfile: %w", err)
	}
	comp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return comp, nil
}

// Parse decodes a YAML document into a validated composition. Unknown keys
// are rejected.
func Parse(data []byte) (*composition.Composition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("compfile: decode: %w", err)
	}
	if doc.Rate <= 0 {
		return nil, fmt.Errorf("%w: document rate must be positive", ErrFormat)
	}

	tracks, err := buildTracks(doc.Tracks, doc.Rate, "tracks")
	if err != nil {
		return nil, err
	}
	comp := composition.New(doc.Name, tracks...)
	comp.GlobalStart = rtime.New(doc.Start, doc.Rate)
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	return comp, nil
}

func pick(own, inherited float64) float64 {
	if own > 0 {
		return own
	}
	return inherited
}

func buildTracks(docs []trackDoc, rate float64, path string) ([]*composition.Track, error) {
	tracks := make([]*composition.Track, 0, len(docs))
	for i, td := range docs {
		p := fmt.Sprintf("%s[%d]", path, i)
		kind, err := parseKind(td.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, p, err)
		}
		tr := composition.NewTrack(td.Name, kind)
		tr.Disabled = td.Disabled
		trackRate := pick(td.Rate, rate)
		for j, it := range td.Items {
			item, err := buildItem(it, trackRate, fmt.Sprintf("%s.items[%d]", p, j))
			if err != nil {
				return nil, err
			}
			tr.Items = append(tr.Items, item)
		}
		tracks = append(tracks, tr)
	}
	return tracks, nil
}

func buildItem(it itemDoc, rate float64, path string) (composition.Item, error) {
	set := 0
	for _, ok := range []bool{it.Clip != nil, it.Gap != nil, it.Transition != nil, it.Stack != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: %s: want exactly one of clip, gap, transition or stack", ErrFormat, path)
	}

	switch {
	case it.Clip != nil:
		c := it.Clip
		r := pick(c.Rate, rate)
		if c.Duration <= 0 {
			return nil, fmt.Errorf("%w: %s: clip duration must be positive", ErrFormat, path)
		}
		clip := composition.NewClip(c.Name, c.URL, rtime.NewRange(rtime.New(c.Start, r), rtime.New(c.Duration, r)))
		if c.Available != nil {
			ar := pick(c.Available.Rate, r)
			clip.Ref.AvailableRange = rtime.NewRange(rtime.New(c.Available.Start, ar), rtime.New(c.Available.Duration, ar))
		}
		return clip, nil

	case it.Gap != nil:
		g := composition.NewGap(rtime.New(it.Gap.Duration, pick(it.Gap.Rate, rate)))
		g.Name = it.Gap.Name
		return g, nil

	case it.Transition != nil:
		td := it.Transition
		typ, err := parseTransition(td.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
		}
		r := pick(td.Rate, rate)
		tr := composition.NewDissolve(rtime.New(td.In, r), rtime.New(td.Out, r))
		tr.Name = td.Name
		tr.Type = typ
		return tr, nil

	default:
		sd := it.Stack
		tracks, err := buildTracks(sd.Tracks, rate, path+".stack.tracks")
		if err != nil {
			return nil, err
		}
		st := &composition.Stack{Name: sd.Name, Tracks: tracks, SourceRange: rtime.InvalidRange}
		if sd.Range != nil {
			r := pick(sd.Range.Rate, rate)
			st.SourceRange = rtime.NewRange(rtime.New(sd.Range.Start, r), rtime.New(sd.Range.Duration, r))
		}
		return st, nil
	}
}

func parseKind(s string) (composition.Kind, error) {
	switch strings.ToLower(s) {
	case "video":
		return composition.KindVideo, nil
	case "audio":
		return composition.KindAudio, nil
	}
	return "", fmt.Errorf("unknown track kind %q", s)
}

func parseTransition(s string) (composition.TransitionType, error) {
	switch strings.ToLower(s) {
	case "dissolve", strings.ToLower(string(composition.TransitionDissolve)):
		return composition.TransitionDissolve, nil
	}
	return "", fmt.Errorf("unknown transition type %q", s)
}

// Marshal encodes comp as a document Parse accepts. In-memory media
// references cannot be written and are reported as errors. Every item
// carries its own rate.
func Marshal(comp *composition.Composition) ([]byte, error) {
	if comp == nil || comp.Stack == nil {
		return nil, fmt.Errorf("%w: empty composition", ErrFormat)
	}
	rate := comp.GlobalStart.Rate
	if rate <= 0 {
		rate = comp.TimeRange().Duration.Rate
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%w: composition has no rate", ErrFormat)
	}
	tracks, err := marshalTracks(comp.Stack.Tracks)
	if err != nil {
		return nil, err
	}
	doc := document{
		Name:   comp.Name,
		Rate:   rate,
		Start:  comp.GlobalStart.Rescale(rate).Value,
		Tracks: tracks,
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("compfile: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("compfile: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func marshalTracks(tracks []*composition.Track) ([]trackDoc, error) {
	out := make([]trackDoc, 0, len(tracks))
	for _, tr := range tracks {
		td := trackDoc{Name: tr.Name, Kind: strings.ToLower(string(tr.Kind)), Disabled: tr.Disabled}
		for _, it := range tr.Items {
			var doc itemDoc
			switch v := it.(type) {
			case *composition.Clip:
				if v.Ref.IsMemory() {
					return nil, fmt.Errorf("%w: clip %q references in-memory media", ErrFormat, v.Name)
				}
				r := v.TrimmedRange()
				doc.Clip = &clipDoc{
					Name:     v.Name,
					URL:      v.Ref.URL,
					Rate:     r.Start.Rate,
					Start:    r.Start.Value,
					Duration: r.Duration.Rescale(r.Start.Rate).Value,
				}
				if a := v.Ref.AvailableRange; a.IsValid() && !a.Equal(r) {
					doc.Clip.Available = &rangeDoc{Start: a.Start.Value, Duration: a.Duration.Rescale(a.Start.Rate).Value, Rate: a.Start.Rate}
				}
			case *composition.Gap:
				doc.Gap = &gapDoc{Name: v.Name, Duration: v.Length.Value, Rate: v.Length.Rate}
			case *composition.Transition:
				doc.Transition = &transitionDoc{
					Name: v.Name,
					Type: "dissolve",
					In:   v.InOffset.Value,
					Out:  v.OutOffset.Rescale(v.InOffset.Rate).Value,
					Rate: v.InOffset.Rate,
				}
			case *composition.Stack:
				sub, err := marshalTracks(v.Tracks)
				if err != nil {
					return nil, err
				}
				doc.Stack = &stackDoc{Name: v.Name, Tracks: sub}
				if s := v.SourceRange; s.IsValid() {
					doc.Stack.Range = &rangeDoc{Start: s.Start.Value, Duration: s.Duration.Rescale(s.Start.Rate).Value, Rate: s.Start.Rate}
				}
			default:
				return nil, fmt.Errorf("%w: unsupported item %T", ErrFormat, it)
			}
			td.Items = append(td.Items, doc)
		}
		out = append(out, td)
	}
	return out, nil
}
