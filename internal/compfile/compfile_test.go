package compfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/rtime"
)

const demo = `
name: demo
rate: 24
start: 86400
tracks:
  - name: V1
    kind: video
    items:
      - clip: {name: a, url: a.pattern, start: 0, duration: 24}
      - transition: {type: dissolve, in: 6, out: 6}
      - clip: {name: b, url: b.pattern, start: 12, duration: 24, available: {start: 0, duration: 100}}
      - gap: {duration: 12}
      - stack:
          name: nested
          tracks:
            - kind: video
              items:
                - clip: {name: c, url: c.ppm, rate: 30, start: 0, duration: 30}
  - name: A1
    kind: audio
    items:
      - clip: {name: tone, url: tone.pattern, start: 0, duration: 48}
`

func TestParse(t *testing.T) {
	t.Parallel()

	comp, err := Parse([]byte(demo))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if comp.Name != "demo" {
		t.Errorf("name: got %q, want demo", comp.Name)
	}
	if !comp.GlobalStart.Equal(rtime.New(86400, 24)) {
		t.Errorf("global start: got %v, want 86400@24", comp.GlobalStart)
	}
	if got := len(comp.Stack.Tracks); got != 2 {
		t.Fatalf("tracks: got %d, want 2", got)
	}

	v1 := comp.Stack.Tracks[0]
	if v1.Kind != composition.KindVideo || len(v1.Items) != 5 {
		t.Fatalf("V1: got kind %q with %d items, want Video with 5", v1.Kind, len(v1.Items))
	}
	b, ok := v1.Items[2].(*composition.Clip)
	if !ok {
		t.Fatalf("item 2: got %T, want *Clip", v1.Items[2])
	}
	if want := rtime.NewRange(rtime.New(0, 24), rtime.New(100, 24)); !b.Ref.AvailableRange.Equal(want) {
		t.Errorf("available: got %v, want %v", b.Ref.AvailableRange, want)
	}
	if want := rtime.NewRange(rtime.New(12, 24), rtime.New(24, 24)); !b.SourceRange.Equal(want) {
		t.Errorf("source: got %v, want %v", b.SourceRange, want)
	}
	tr, ok := v1.Items[1].(*composition.Transition)
	if !ok || tr.Type != composition.TransitionDissolve {
		t.Errorf("item 1: got %#v, want dissolve", v1.Items[1])
	}
	st, ok := v1.Items[4].(*composition.Stack)
	if !ok {
		t.Fatalf("item 4: got %T, want *Stack", v1.Items[4])
	}
	c := st.Tracks[0].Items[0].(*composition.Clip)
	if c.SourceRange.Start.Rate != 30 {
		t.Errorf("nested clip rate: got %v, want 30", c.SourceRange.Start.Rate)
	}

	if got := len(comp.Clips()); got != 4 {
		t.Errorf("clips: got %d, want 4", got)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"no rate", "name: x\ntracks: []\n"},
		{"unknown key", "rate: 24\ncolour: red\ntracks: []\n"},
		{"bad kind", "rate: 24\ntracks:\n  - kind: subtitle\n    items: []\n"},
		{"two variants", "rate: 24\ntracks:\n  - kind: video\n    items:\n      - clip: {url: a, duration: 1}\n        gap: {duration: 1}\n"},
		{"empty item", "rate: 24\ntracks:\n  - kind: video\n    items:\n      - {}\n"},
		{"zero clip", "rate: 24\ntracks:\n  - kind: video\n    items:\n      - clip: {url: a, duration: 0}\n"},
		{"bad transition", "rate: 24\ntracks:\n  - kind: video\n    items:\n      - clip: {url: a, duration: 4}\n      - transition: {type: wipe, in: 1, out: 1}\n      - clip: {url: b, duration: 4}\n"},
		{"not yaml", "rate: [24\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseRejectsEdgeTransition(t *testing.T) {
	t.Parallel()

	doc := "rate: 24\ntracks:\n  - kind: video\n    items:\n      - transition: {type: dissolve, in: 1, out: 1}\n      - clip: {url: a, duration: 4}\n"
	_, err := Parse([]byte(doc))
	if !errors.Is(err, composition.ErrInvalidComposition) {
		t.Errorf("got %v, want ErrInvalidComposition", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	comp, err := Parse([]byte(demo))
	if err != nil {
		t.Fatal(err)
	}
	data, err := Marshal(comp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal): %v\n%s", err, data)
	}
	if !again.TimeRange().Equal(comp.TimeRange()) {
		t.Errorf("time range: got %v, want %v", again.TimeRange(), comp.TimeRange())
	}
	if got, want := len(again.Clips()), len(comp.Clips()); got != want {
		t.Errorf("clips: got %d, want %d", got, want)
	}
}

func TestMarshalRejectsMemory(t *testing.T) {
	t.Parallel()

	clip := composition.NewClip("mem", "", rtime.NewRange(rtime.New(0, 24), rtime.New(1, 24)))
	clip.Ref.Memory = [][]byte{{1}}
	comp := composition.New("m", composition.NewTrack("V", composition.KindVideo, clip))
	comp.GlobalStart = rtime.New(0, 24)
	if _, err := Marshal(comp); !errors.Is(err, ErrFormat) {
		t.Errorf("got %v, want ErrFormat", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(path, []byte(demo), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "compfile") {
		t.Errorf("missing file: got %v", err)
	}
}
