package timeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/engine"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediaio"
	"github.com/zsiec/loupe/rtime"
)

// fakePlugin opens readers whose frames carry their frame number in the
// first byte. URLs containing "white" produce 200 everywhere; URLs
// containing "bad" fail every read.
type fakePlugin struct {
	// ext defaults to ".fake".
	ext    string
	delay  time.Duration
	opens  atomic.Int32
	reads  atomic.Int32
	closes atomic.Int32
}

func (p *fakePlugin) Name() string { return "fake" + p.ext }

func (p *fakePlugin) Extensions() map[string]mediaio.FileType {
	ext := p.ext
	if ext == "" {
		ext = ".fake"
	}
	return map[string]mediaio.FileType{ext: mediaio.FileTypeMedia}
}

func (p *fakePlugin) Open(src mediaio.Source, _ media.Options) (mediaio.Reader, error) {
	p.opens.Add(1)
	return &fakeReader{
		p:      p,
		white:  strings.Contains(src.Name, "white"),
		bad:    strings.Contains(src.Name, "bad"),
		cancel: make(chan struct{}),
	}, nil
}

type fakeReader struct {
	p      *fakePlugin
	white  bool
	bad    bool
	cancel chan struct{}
	closed atomic.Bool
}

func (r *fakeReader) Info() *async.Future[media.Info] {
	return async.Resolved(media.Info{
		Video: []media.ImageInfo{{Width: 1, Height: 1, Channels: 1}},
		Audio: media.AudioInfo{Channels: 2, SampleRate: 48000},
	})
}

func (r *fakeReader) wait() bool {
	if r.p.delay <= 0 {
		return true
	}
	select {
	case <-time.After(r.p.delay):
		return true
	case <-r.cancel:
		return false
	}
}

func (r *fakeReader) ReadVideo(t rtime.Time, _ media.Options) *async.Future[media.VideoData] {
	r.p.reads.Add(1)
	return async.Go(func() (media.VideoData, error) {
		if !r.wait() {
			return media.VideoData{Time: t}, nil
		}
		if r.bad {
			return media.VideoData{}, errBadMedia
		}
		img := media.NewImage(media.ImageInfo{Width: 1, Height: 1, Channels: 1})
		img.Data[0] = byte(t.Rescale(24).Frame())
		if r.white {
			img.Data[0] = 200
		}
		return media.VideoData{Time: t, Image: img}, nil
	})
}

func (r *fakeReader) ReadAudio(rng rtime.Range, _ media.Options) *async.Future[media.AudioData] {
	r.p.reads.Add(1)
	return async.Go(func() (media.AudioData, error) {
		if !r.wait() {
			return media.AudioData{Time: rng.Start}, nil
		}
		a := media.NewAudio(media.AudioInfo{Channels: 2, SampleRate: 48000}, int(rng.Duration.Value))
		for i := range a.Samples {
			a.Samples[i] = 0.25
		}
		return media.AudioData{Time: rng.Start, Audio: a}, nil
	})
}

func (r *fakeReader) CancelRequests() {}

func (r *fakeReader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		close(r.cancel)
		r.p.closes.Add(1)
	}
	return nil
}

var errBadMedia = errors.New("bad media")

func at24(v float64) rtime.Time { return rtime.New(v, 24) }

func span24(start, dur float64) rtime.Range { return rtime.NewRange(at24(start), at24(dur)) }

func newTimeline(t *testing.T, p *fakePlugin, comp *composition.Composition, opts Options) *Timeline {
	t.Helper()
	ec := engine.New(engine.Options{Plugins: []mediaio.Plugin{p}, CacheBytes: 64 << 20})
	tl, err := New(context.Background(), ec, comp, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tl.Close() })
	return tl
}

func waitFrame(t *testing.T, req VideoRequest) VideoFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := req.Future.Wait(ctx)
	if err != nil {
		t.Fatalf("request %d: %v", req.ID, err)
	}
	return f
}

// clipGapClip is A [0,24), Gap [24,30), B [30,48) with B's media starting
// at frame 100.
func clipGapClip() *composition.Composition {
	return composition.New("edit",
		composition.NewTrack("V1", composition.KindVideo,
			composition.NewClip("A", "a.fake", span24(0, 24)),
			composition.NewGap(at24(6)),
			composition.NewClip("B", "b.fake", span24(100, 18)),
		),
	)
}

func TestGetVideoClipGapClip(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, &fakePlugin{}, clipGapClip(), Options{})

	tests := []struct {
		name      string
		at        float64
		layers    int
		wantEmpty bool
		want      byte
	}{
		{name: "clip A", at: 5, layers: 1, want: 5},
		{name: "gap", at: 25, layers: 1, wantEmpty: true},
		{name: "clip B", at: 31, layers: 1, want: 101},
		{name: "past end", at: 48, layers: 0, wantEmpty: true},
		{name: "before start", at: -1, layers: 0, wantEmpty: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := waitFrame(t, tl.GetVideo(at24(tt.at), nil))
			if len(f.Layers) != tt.layers {
				t.Fatalf("layers: got %d, want %d", len(f.Layers), tt.layers)
			}
			if f.Empty() != tt.wantEmpty {
				t.Fatalf("empty: got %v, want %v", f.Empty(), tt.wantEmpty)
			}
			if !tt.wantEmpty && f.Layers[0].Image.Data[0] != tt.want {
				t.Errorf("media frame: got %d, want %d", f.Layers[0].Image.Data[0], tt.want)
			}
			if !f.Time.Equal(at24(tt.at)) {
				t.Errorf("time: got %s", f.Time)
			}
		})
	}
}

func TestSlowReadersEventuallyResolve(t *testing.T) {
	t.Parallel()

	p := &fakePlugin{delay: 10 * time.Millisecond}
	tl := newTimeline(t, p, clipGapClip(), Options{VideoRequestMax: 2})

	var reqs []VideoRequest
	for i := 0; i < 48; i++ {
		reqs = append(reqs, tl.GetVideo(at24(float64(i)), nil))
	}
	for _, req := range reqs {
		waitFrame(t, req)
	}
	if s := tl.Stats(); s.VideoQueued != 0 || s.VideoInFlight != 0 {
		t.Errorf("stats after drain: %+v", s)
	}
}

func TestRequestIDsIncrease(t *testing.T) {
	t.Parallel()

	tl := newTimeline(t, &fakePlugin{}, clipGapClip(), Options{})
	a := tl.GetVideo(at24(0), nil)
	b := tl.GetAudio(0, nil)
	c := tl.GetVideo(at24(1), nil)
	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Errorf("ids: got %d, %d, %d", a.ID, b.ID, c.ID)
	}
}

func TestCloseResolvesOutstanding(t *testing.T) {
	t.Parallel()

	p := &fakePlugin{delay: time.Hour}
	tl := newTimeline(t, p, clipGapClip(), Options{VideoRequestMax: 2, AudioRequestMax: 1})

	var videos []VideoRequest
	for i := 0; i < 20; i++ {
		videos = append(videos, tl.GetVideo(at24(float64(i)), nil))
	}
	audio := tl.GetAudio(0, nil)

	done := make(chan struct{})
	go func() {
		tl.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	for _, req := range videos {
		if !req.Future.Ready() {
			t.Fatalf("request %d still pending after Close", req.ID)
		}
		if f, _ := req.Future.Result(); !f.Empty() {
			t.Errorf("request %d: expected empty frame", req.ID)
		}
	}
	if !audio.Future.Ready() {
		t.Error("audio request pending after Close")
	}

	late := tl.GetVideo(at24(3), nil)
	if !late.Future.Ready() {
		t.Error("request after Close should resolve immediately")
	}
	if err := tl.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if got, want := p.closes.Load(), p.opens.Load(); got != want {
		t.Errorf("readers closed: got %d, want %d", got, want)
	}
}

func TestCancelRequestsIdempotent(t *testing.T) {
	t.Parallel()

	p := &fakePlugin{delay: 30 * time.Millisecond}
	tl := newTimeline(t, p, clipGapClip(), Options{VideoRequestMax: 1})

	var reqs []VideoRequest
	for i := 0; i < 6; i++ {
		reqs = append(reqs, tl.GetVideo(at24(float64(i)), nil))
	}
	ids := []uint64{reqs[3].ID, reqs[4].ID, reqs[5].ID, 9999}
	tl.CancelRequests(ids)
	tl.CancelRequests(ids)

	for _, req := range reqs[3:] {
		if !req.Future.Ready() {
			t.Errorf("canceled request %d not settled", req.ID)
		}
		if f, _ := req.Future.Result(); !f.Empty() {
			t.Errorf("canceled request %d should be empty", req.ID)
		}
	}

	first := waitFrame(t, reqs[0])
	if first.Empty() {
		t.Error("started request should still complete")
	}
	tl.CancelRequests([]uint64{reqs[0].ID})
	if f, _ := reqs[0].Future.Result(); f.Empty() {
		t.Error("canceling a completed request must not change its result")
	}
	for _, req := range reqs[:3] {
		waitFrame(t, req)
	}
}

func TestTransitionBlend(t *testing.T) {
	t.Parallel()

	comp := composition.New("dissolve",
		composition.NewTrack("V1", composition.KindVideo,
			composition.NewClip("black", "black.fake", span24(0, 24)),
			composition.NewDissolve(at24(6), at24(6)),
			composition.NewClip("white", "white.fake", span24(0, 24)),
		),
	)
	tl := newTimeline(t, &fakePlugin{}, comp, Options{})

	mid := waitFrame(t, tl.GetVideo(at24(24), nil))
	if len(mid.Layers) != 1 {
		t.Fatalf("layers: got %d", len(mid.Layers))
	}
	l := mid.Layers[0]
	if l.Transition != composition.TransitionDissolve {
		t.Errorf("transition: got %q", l.Transition)
	}
	if l.TransitionValue != 0.5 {
		t.Errorf("blend: got %v, want 0.5", l.TransitionValue)
	}
	// A shows frame 24 (value 24), B shows 200: 24*0.5 + 200*0.5 = 112.
	if l.Image == nil || l.Image.Data[0] != 112 {
		t.Errorf("blended pixel: got %+v, want 112", l.Image)
	}

	before := waitFrame(t, tl.GetVideo(at24(10), nil))
	if before.Layers[0].Transition != composition.TransitionNone {
		t.Error("outside the window no transition is reported")
	}
}

func TestDecodeFailureIsLocalized(t *testing.T) {
	t.Parallel()

	comp := composition.New("mixed",
		composition.NewTrack("V1", composition.KindVideo, composition.NewClip("good", "good.fake", span24(0, 24))),
		composition.NewTrack("V2", composition.KindVideo, composition.NewClip("bad", "bad.fake", span24(0, 24))),
		composition.NewTrack("V3", composition.KindVideo, composition.NewClip("lost", "lost.unknown", span24(0, 24))),
	)
	tl := newTimeline(t, &fakePlugin{}, comp, Options{})

	f := waitFrame(t, tl.GetVideo(at24(3), nil))
	if len(f.Layers) != 3 {
		t.Fatalf("layers: got %d, want 3", len(f.Layers))
	}
	if f.Layers[0].Image == nil {
		t.Error("healthy layer should decode")
	}
	if f.Layers[1].Image != nil || f.Layers[2].Image != nil {
		t.Error("failed layers should be empty")
	}
}

func TestVideoCache(t *testing.T) {
	t.Parallel()

	p := &fakePlugin{}
	tl := newTimeline(t, p, clipGapClip(), Options{})

	waitFrame(t, tl.GetVideo(at24(7), nil))
	waitFrame(t, tl.GetVideo(at24(7), nil))
	if got := p.reads.Load(); got != 1 {
		t.Errorf("reads: got %d, want 1 (second served from cache)", got)
	}
	if got := p.opens.Load(); got != 1 {
		t.Errorf("opens: got %d, want 1", got)
	}
}

func TestReaderPoolEviction(t *testing.T) {
	t.Parallel()

	comp := composition.New("many",
		composition.NewTrack("V1", composition.KindVideo,
			composition.NewClip("A", "a.fake", span24(0, 10)),
			composition.NewClip("B", "b.fake", span24(0, 10)),
			composition.NewClip("C", "c.fake", span24(0, 10)),
		),
	)
	p := &fakePlugin{}
	tl := newTimeline(t, p, comp, Options{ReaderPoolSize: 1})

	for _, at := range []float64{1, 11, 21} {
		waitFrame(t, tl.GetVideo(at24(at), nil))
	}
	if got := tl.Stats().Readers; got != 1 {
		t.Errorf("resident readers: got %d, want 1", got)
	}
	if got := p.closes.Load(); got != p.opens.Load()-1 {
		t.Errorf("closes: got %d with %d opens", got, p.opens.Load())
	}
}

func TestGetAudioMixesLayers(t *testing.T) {
	t.Parallel()

	comp := composition.New("mix",
		composition.NewTrack("A1", composition.KindAudio,
			composition.NewClip("tone1", "t1.fake", span24(0, 48)),
		),
		composition.NewTrack("A2", composition.KindAudio,
			composition.NewGap(at24(12)),
			composition.NewClip("tone2", "t2.fake", span24(0, 36)),
		),
	)
	tl := newTimeline(t, &fakePlugin{}, comp, Options{})
	if info := tl.IOInfo(); info.Audio.SampleRate != 48000 {
		t.Fatalf("probed audio: got %+v", info.Audio)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := tl.GetAudio(0, nil).Future.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Layers) != 2 {
		t.Fatalf("layers: got %d, want 2", len(f.Layers))
	}
	if f.Audio == nil || f.Audio.SampleCount() != 48000 {
		t.Fatalf("mix: got %+v", f.Audio)
	}
	if got := f.Audio.Samples[0]; got != 0.25 {
		t.Errorf("first half: got %v, want 0.25", got)
	}
	if got := f.Audio.Samples[2*30000]; got != 0.5 {
		t.Errorf("second half: got %v, want 0.5", got)
	}

	empty, _ := tl.GetAudio(10, nil).Future.Wait(ctx)
	if empty.Audio != nil || len(empty.Layers) != 0 {
		t.Errorf("past end: got %+v", empty)
	}
}

func TestNewRejectsInvalidComposition(t *testing.T) {
	t.Parallel()

	ec := engine.New(engine.Options{})
	if _, err := New(context.Background(), ec, nil, Options{}); err == nil {
		t.Error("nil composition should fail")
	}
	bad := composition.New("bad",
		composition.NewTrack("V1", composition.KindVideo,
			composition.NewDissolve(at24(2), at24(2)),
			composition.NewClip("A", "a.fake", span24(0, 24)),
		),
	)
	if _, err := New(context.Background(), ec, bad, Options{}); err == nil {
		t.Error("transition at track start should fail validation")
	}
}

func TestSlowSourceDoesNotStarveOtherTimelines(t *testing.T) {
	t.Parallel()

	slow := &fakePlugin{ext: ".slow", delay: 2 * time.Second}
	fast := &fakePlugin{}
	ec := engine.New(engine.Options{
		Plugins:     []mediaio.Plugin{slow, fast},
		CacheBytes:  64 << 20,
		DecodeLimit: 4,
	})

	open := func(url string) *Timeline {
		comp := composition.New("c", composition.NewTrack("V1", composition.KindVideo,
			composition.NewClip("a", url, span24(0, 48))))
		tl, err := New(context.Background(), ec, comp, Options{})
		if err != nil {
			t.Fatalf("New(%s): %v", url, err)
		}
		t.Cleanup(func() { tl.Close() })
		return tl
	}
	a := open("a.slow")
	b := open("b.fake")

	for i := range 16 {
		a.GetVideo(at24(float64(i)), nil)
	}
	// Let A's layer tasks start before B asks.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := b.GetVideo(at24(3), nil).Future.Wait(ctx)
	if err != nil {
		t.Fatalf("fast timeline blocked behind slow one: %v", err)
	}
	if len(f.Layers) != 1 || f.Layers[0].Image == nil || f.Layers[0].Image.Data[0] != 3 {
		t.Errorf("fast frame: got %+v, want frame 3", f.Layers)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("fast frame took %v", elapsed)
	}
}
