package testpattern

import (
	"context"
	"testing"
	"time"

	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediaio"
	"github.com/zsiec/loupe/rtime"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ref     string
		opts    media.Options
		want    string
		wantErr bool
	}{
		{name: "default", ref: "clip.pattern", want: KindBars},
		{name: "stem", ref: "/x/gradient.pattern", want: KindGradient},
		{name: "option wins", ref: "gradient.pattern", opts: media.Options{OptionKind: KindSolid}, want: KindSolid},
		{name: "unknown kind", ref: "a.pattern", opts: media.Options{OptionKind: "plaid"}, wantErr: true},
		{name: "bad size", ref: "a.pattern", opts: media.Options{OptionSize: "wide"}, wantErr: true},
		{name: "bad rate", ref: "a.pattern", opts: media.Options{OptionRate: "0"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := ParseConfig(tt.ref, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.Kind != tt.want {
				t.Errorf("kind: got %q, want %q", cfg.Kind, tt.want)
			}
		})
	}
}

func TestReaderInfo(t *testing.T) {
	t.Parallel()

	rd, err := New(nil).Open(mediaio.Source{Path: "bars.pattern"}, media.Options{
		OptionSize:     "8x4",
		OptionDuration: "48",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()

	info, err := rd.Info().Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Video) != 1 || info.Video[0].Width != 8 || info.Video[0].Height != 4 {
		t.Errorf("video: got %+v", info.Video)
	}
	if got := info.VideoTime.Duration.Seconds(); got != 2 {
		t.Errorf("video duration: got %v s, want 2", got)
	}
	if got := info.AudioTime.Duration.Value; got != 96000 {
		t.Errorf("audio samples: got %v, want 96000", got)
	}
}

func TestReaderFramesDiffer(t *testing.T) {
	t.Parallel()

	rd := NewReader(Config{Kind: KindSolid, Width: 4, Height: 2, Rate: 24, Frames: 10}, nil)
	defer rd.Close()

	a, _ := rd.ReadVideo(rtime.New(1, 24), nil).Wait(context.Background())
	b, _ := rd.ReadVideo(rtime.New(2, 24), nil).Wait(context.Background())
	if a.Image == nil || b.Image == nil {
		t.Fatal("expected images")
	}
	if string(a.Image.Data) == string(b.Image.Data) {
		t.Error("consecutive frames should differ")
	}
	if a.Image.Data[3] != 255 {
		t.Errorf("marker pixel: got %d, want 255", a.Image.Data[3])
	}
}

func TestReaderTone(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	rd := NewReader(cfg, nil)
	defer rd.Close()

	rng := rtime.NewRange(rtime.New(48000, 48000), rtime.New(480, 48000))
	a, err := rd.ReadAudio(rng, nil).Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Audio == nil || a.Audio.SampleCount() != 480 {
		t.Fatalf("samples: got %+v", a.Audio)
	}
	if a.Audio.Samples[0] != a.Audio.Samples[1] {
		t.Error("channels should carry the same tone")
	}
}

func TestReaderCancelAndClose(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Delay = time.Hour
	rd := NewReader(cfg, nil)

	f := rd.ReadVideo(rtime.New(0, 24), nil)
	rd.CancelRequests()
	rd.CancelRequests()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if err != nil || v.Image != nil {
		t.Errorf("canceled read: got %+v/%v, want empty", v, err)
	}

	g := rd.ReadAudio(rtime.NewRange(rtime.New(0, 48000), rtime.New(10, 48000)), nil)
	if err := rd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Wait(ctx); err != nil {
		t.Errorf("closed read: %v", err)
	}
	if !rd.ReadVideo(rtime.New(0, 24), nil).Ready() {
		t.Error("read after Close should settle immediately")
	}
}

func TestReaderFailure(t *testing.T) {
	t.Parallel()

	rd := NewReader(Config{Kind: KindBars, Width: 2, Height: 2, Rate: 24, Frames: 1, Fail: true}, nil)
	defer rd.Close()
	if _, err := rd.ReadVideo(rtime.New(0, 24), nil).Wait(context.Background()); err == nil {
		t.Error("expected a generation error")
	}
}
