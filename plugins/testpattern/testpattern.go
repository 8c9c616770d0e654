// Package testpattern is a synthetic reader backend. It generates color
// bars, gradients or solid frames and a sine tone for any ".pattern"
// reference, which makes it useful for tests, demos and load generation.
package testpattern

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediaio"
	"github.com/zsiec/loupe/rtime"
)

// Extension is the file extension this plugin claims.
const Extension = ".pattern"

// Option keys. Values in the reader options override those parsed from the
// reference name.
const (
	OptionKind       = "Pattern/Kind"
	OptionSize       = "Pattern/Size"
	OptionRate       = "Pattern/Rate"
	OptionDuration   = "Pattern/Duration"
	OptionFrequency  = "Pattern/Frequency"
	OptionSampleRate = "Pattern/SampleRate"
	OptionChannels   = "Pattern/Channels"
	OptionDelay      = "Pattern/Delay"
	OptionFail       = "Pattern/Fail"
)

// Kinds of generated image.
const (
	KindBars     = "bars"
	KindGradient = "gradient"
	KindSolid    = "solid"
)

var errGenerate = errors.New("testpattern: generation disabled by options")

// Config controls what a reader generates.
type Config struct {
	Kind       string
	Width      int
	Height     int
	Rate       float64
	Frames     int
	Frequency  float64
	SampleRate int
	Channels   int
	Delay      time.Duration
	Fail       bool
}

// DefaultConfig is 64x36 bars at 24 fps for 240 frames with a 440 Hz
// stereo tone at 48 kHz.
func DefaultConfig() Config {
	return Config{
		Kind:       KindBars,
		Width:      64,
		Height:     36,
		Rate:       24,
		Frames:     240,
		Frequency:  440,
		SampleRate: 48000,
		Channels:   2,
	}
}

// ParseConfig reads a Config from the reference name and options. A name
// stem matching a kind ("bars.pattern") selects it.
func ParseConfig(name string, opts media.Options) (Config, error) {
	cfg := DefaultConfig()
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	switch stem {
	case KindBars, KindGradient, KindSolid:
		cfg.Kind = stem
	}

	if v, ok := opts[OptionKind]; ok {
		cfg.Kind = v
	}
	if v, ok := opts[OptionSize]; ok {
		if _, err := fmt.Sscanf(v, "%dx%d", &cfg.Width, &cfg.Height); err != nil {
			return cfg, fmt.Errorf("testpattern: size %q: %w", v, err)
		}
	}
	var err error
	if cfg.Rate, err = floatOpt(opts, OptionRate, cfg.Rate); err != nil {
		return cfg, err
	}
	if cfg.Frames, err = intOpt(opts, OptionDuration, cfg.Frames); err != nil {
		return cfg, err
	}
	if cfg.Frequency, err = floatOpt(opts, OptionFrequency, cfg.Frequency); err != nil {
		return cfg, err
	}
	if cfg.SampleRate, err = intOpt(opts, OptionSampleRate, cfg.SampleRate); err != nil {
		return cfg, err
	}
	if cfg.Channels, err = intOpt(opts, OptionChannels, cfg.Channels); err != nil {
		return cfg, err
	}
	if v, ok := opts[OptionDelay]; ok {
		if cfg.Delay, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("testpattern: delay %q: %w", v, err)
		}
	}
	cfg.Fail = opts[OptionFail] == "true"

	switch cfg.Kind {
	case KindBars, KindGradient, KindSolid:
	default:
		return cfg, fmt.Errorf("testpattern: unknown kind %q", cfg.Kind)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Rate <= 0 || cfg.Frames <= 0 {
		return cfg, fmt.Errorf("testpattern: invalid video settings %+v", cfg)
	}
	return cfg, nil
}

func floatOpt(opts media.Options, key string, fallback float64) (float64, error) {
	v, ok := opts[key]
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("testpattern: %s: %w", key, err)
	}
	return f, nil
}

func intOpt(opts media.Options, key string, fallback int) (int, error) {
	v, ok := opts[key]
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("testpattern: %s: %w", key, err)
	}
	return n, nil
}

// Plugin opens pattern readers.
type Plugin struct {
	log *slog.Logger
}

var _ mediaio.Plugin = (*Plugin)(nil)

// New returns the plugin. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Plugin {
	if log == nil {
		log = slog.Default()
	}
	return &Plugin{log: log.With("component", "testpattern")}
}

// Name implements mediaio.Plugin.
func (p *Plugin) Name() string { return "testpattern" }

// Extensions implements mediaio.Plugin.
func (p *Plugin) Extensions() map[string]mediaio.FileType {
	return map[string]mediaio.FileType{Extension: mediaio.FileTypeMedia}
}

// Open implements mediaio.Plugin.
func (p *Plugin) Open(src mediaio.Source, opts media.Options) (mediaio.Reader, error) {
	cfg, err := ParseConfig(src.Name, opts)
	if err != nil {
		return nil, err
	}
	return NewReader(cfg, p.log.With("source", src.ID())), nil
}

// Reader generates frames on a goroutine per request.
type Reader struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	closed   bool
	cancelCh chan struct{}
}

var _ mediaio.Reader = (*Reader)(nil)

// NewReader returns a reader producing cfg.
func NewReader(cfg Config, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{cfg: cfg, log: log, cancelCh: make(chan struct{})}
}

// MediaInfo describes what cfg generates.
func (c Config) MediaInfo() media.Info {
	info := media.Info{
		Video:     []media.ImageInfo{{Width: c.Width, Height: c.Height, Channels: 3}},
		VideoTime: rtime.NewRange(rtime.New(0, c.Rate), rtime.New(float64(c.Frames), c.Rate)),
		Tags:      map[string]string{"Pattern": c.Kind},
	}
	if c.SampleRate > 0 && c.Channels > 0 {
		info.Audio = media.AudioInfo{Channels: c.Channels, SampleRate: c.SampleRate}
		seconds := float64(c.Frames) / c.Rate
		info.AudioTime = rtime.NewRange(
			rtime.New(0, float64(c.SampleRate)),
			rtime.New(math.Round(seconds*float64(c.SampleRate)), float64(c.SampleRate)))
	}
	return info
}

// Info implements mediaio.Reader.
func (r *Reader) Info() *async.Future[media.Info] {
	return async.Resolved(r.cfg.MediaInfo())
}

// submit returns the cancel channel for a new request, or nil if closed.
func (r *Reader) submit() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.cancelCh
}

// wait applies the configured latency. It reports false if the request was
// canceled meanwhile.
func (r *Reader) wait(cancel <-chan struct{}) bool {
	if r.cfg.Delay <= 0 {
		return true
	}
	t := time.NewTimer(r.cfg.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-cancel:
		return false
	}
}

// ReadVideo implements mediaio.Reader.
func (r *Reader) ReadVideo(t rtime.Time, _ media.Options) *async.Future[media.VideoData] {
	cancel := r.submit()
	if cancel == nil {
		return async.Resolved(media.VideoData{Time: t})
	}
	return async.Go(func() (media.VideoData, error) {
		if !r.wait(cancel) {
			return media.VideoData{Time: t}, nil
		}
		if r.cfg.Fail {
			return media.VideoData{}, errGenerate
		}
		frame := t.Rescale(r.cfg.Rate).Frame()
		return media.VideoData{Time: t, Image: r.cfg.Image(frame)}, nil
	})
}

// ReadAudio implements mediaio.Reader.
func (r *Reader) ReadAudio(rng rtime.Range, _ media.Options) *async.Future[media.AudioData] {
	cancel := r.submit()
	if cancel == nil || r.cfg.SampleRate <= 0 {
		return async.Resolved(media.AudioData{Time: rng.Start})
	}
	return async.Go(func() (media.AudioData, error) {
		if !r.wait(cancel) {
			return media.AudioData{Time: rng.Start}, nil
		}
		if r.cfg.Fail {
			return media.AudioData{}, errGenerate
		}
		sr := float64(r.cfg.SampleRate)
		start := rng.Start.Rescale(sr).Frame()
		count := int(rng.Duration.Rescale(sr).Frame())
		return media.AudioData{Time: rng.Start, Audio: r.cfg.Tone(start, count)}, nil
	})
}

// CancelRequests implements mediaio.Reader. Requests still in their
// artificial delay resolve empty.
func (r *Reader) CancelRequests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	close(r.cancelCh)
	r.cancelCh = make(chan struct{})
}

// Close implements mediaio.Reader.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.cancelCh)
	}
	return nil
}

var bars = [][3]uint8{
	{191, 191, 191}, {191, 191, 0}, {0, 191, 191}, {0, 191, 0},
	{191, 0, 191}, {191, 0, 0}, {0, 0, 191},
}

// Image renders frame. A one-pixel marker column moves one step per frame
// so consecutive frames differ.
func (c Config) Image(frame int64) *media.Image {
	img := media.NewImage(media.ImageInfo{Width: c.Width, Height: c.Height, Channels: 3})
	marker := int(((frame % int64(c.Width)) + int64(c.Width)) % int64(c.Width))
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			var px [3]uint8
			switch c.Kind {
			case KindBars:
				px = bars[x*len(bars)/c.Width]
			case KindGradient:
				v := uint8(x * 255 / max(1, c.Width-1))
				px = [3]uint8{v, v, v}
			case KindSolid:
				px = [3]uint8{128, 128, 128}
			}
			if x == marker {
				px = [3]uint8{255, 255, 255}
			}
			i := (y*c.Width + x) * 3
			copy(img.Data[i:i+3], px[:])
		}
	}
	return img
}

// Tone renders count sample frames of the sine tone starting at sample
// index start, identical on every channel.
func (c Config) Tone(start int64, count int) *media.Audio {
	info := media.AudioInfo{Channels: c.Channels, SampleRate: c.SampleRate}
	a := media.NewAudio(info, count)
	w := 2 * math.Pi * c.Frequency / float64(c.SampleRate)
	for i := 0; i < count; i++ {
		s := float32(0.25 * math.Sin(w*float64(start+int64(i))))
		for ch := 0; ch < c.Channels; ch++ {
			a.Samples[i*c.Channels+ch] = s
		}
	}
	return a
}
