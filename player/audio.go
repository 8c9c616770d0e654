package player

import (
	"math"
	"slices"

	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
	"github.com/zsiec/loupe/timeline"
)

// audioState is what the sink follows. Any difference from the state the
// sink last saw restarts the sample count from the new start time.
type audioState struct {
	seq      uint64
	playback Playback
	start    rtime.Time
	speed    float64
	offset   float64
}

// fillState is owned by FillAudio.
type fillState struct {
	state       audioState
	out         media.AudioInfo
	resampler   *media.Resampler
	buffer      []float32
	inputFrame  int64
	outputFrame int64
}

func (p *Player) Volume() float64 { return p.volume.Get() }

// SetVolume sets the output gain, clamped to [0, 1].
func (p *Player) SetVolume(v float64) { p.volume.SetIfChanged(min(max(v, 0), 1)) }

func (p *Player) ObserveVolume(fn func(float64)) func() { return p.volume.Observe(fn) }

func (p *Player) Mute() bool { return p.mute.Get() }

func (p *Player) SetMute(v bool) { p.mute.SetIfChanged(v) }

func (p *Player) ObserveMute(fn func(bool)) func() { return p.mute.Observe(fn) }

func (p *Player) ChannelMute() []bool { return slices.Clone(p.channelMute.Get()) }

// SetChannelMute silences the flagged output channels.
func (p *Player) SetChannelMute(v []bool) { p.channelMute.SetIfChanged(slices.Clone(v)) }

func (p *Player) ObserveChannelMute(fn func([]bool)) func() { return p.channelMute.Observe(fn) }

func (p *Player) AudioOffset() float64 { return p.audioOffset.Get() }

// SetAudioOffset shifts audio against video, in seconds. Positive values
// delay the audio.
func (p *Player) SetAudioOffset(v float64) {
	if p.audioOffset.SetIfChanged(v) {
		p.resetAudio(p.currentTime.Get())
	}
}

func (p *Player) ObserveAudioOffset(fn func(float64)) func() { return p.audioOffset.Observe(fn) }

// resetAudio publishes a new sink state starting at t.
func (p *Player) resetAudio(t rtime.Time) {
	state := audioState{
		playback: p.playback.Get(),
		start:    t,
		speed:    p.speed.Get() * p.speedMult.Get(),
		offset:   p.audioOffset.Get(),
	}
	p.audioMu.Lock()
	state.seq = p.audioState.seq + 1
	p.audioState = state
	p.audioMu.Unlock()
}

// FillAudio writes the next len(out)/channels interleaved sample frames
// in the layout info and returns the number of frames written; the rest of
// out is silence. Stopped and reverse playback produce silence. Seconds not
// decoded yet play as silence and still advance the stream.
func (p *Player) FillAudio(out []float32, info media.AudioInfo) int {
	clear(out)
	if !info.IsValid() {
		return 0
	}
	frames := len(out) / info.Channels
	if frames == 0 {
		return 0
	}

	p.fillMu.Lock()
	defer p.fillMu.Unlock()

	p.audioMu.Lock()
	state := p.audioState
	p.audioMu.Unlock()

	f := &p.fill
	if state != f.state || info != f.out {
		f.reset(state, info, p.ioInfo.Audio)
	}
	if state.playback != Forward || f.resampler == nil {
		return 0
	}

	in := p.ioInfo.Audio
	ratio := state.speed / p.rate
	for attempt := 0; attempt < 4 && len(f.buffer) < frames*info.Channels; attempt++ {
		need := frames*2 - len(f.buffer)/info.Channels
		count := int64(math.Ceil(float64(need) * float64(in.SampleRate) / float64(info.SampleRate) * ratio))
		if count <= 0 {
			break
		}
		pos := int64(math.Floor(state.start.Rescale(float64(in.SampleRate)).Value-state.offset*float64(in.SampleRate))) + f.inputFrame

		p.audioMu.Lock()
		layers := copyAudio(p.audioFrames, in, pos, count)
		p.audioMu.Unlock()

		volume := float32(p.volume.Get())
		if p.mute.Get() {
			volume = 0
		}
		mixed := media.Mix(layers, volume, p.channelMute.Get())
		if mixed == nil {
			mixed = media.NewAudio(in, int(count))
		}
		consumed := int64(mixed.SampleCount())
		if ratio != 1 {
			mixed = changeSpeed(mixed, ratio)
		}
		if res := f.resampler.Process(mixed); res != nil {
			f.buffer = append(f.buffer, res.Samples...)
		}
		f.inputFrame += consumed
	}

	n := min(frames*info.Channels, len(f.buffer))
	copy(out, f.buffer[:n])
	f.buffer = slices.Delete(f.buffer, 0, n)
	f.outputFrame += int64(frames)
	return n / info.Channels
}

func (f *fillState) reset(state audioState, out, in media.AudioInfo) {
	f.state = state
	f.out = out
	f.buffer = f.buffer[:0]
	f.inputFrame = 0
	f.outputFrame = 0
	f.resampler = nil
	if in.IsValid() {
		f.resampler = media.NewResampler(in, out)
	}
}

// copyAudio returns count sample frames starting at pos from the cached
// seconds, one block per layer. A read running past a second that is not
// cached yet is cut short. Missing audio returns nil.
func copyAudio(seconds map[int64]timeline.AudioFrame, info media.AudioInfo, pos, count int64) []*media.Audio {
	sr := int64(info.SampleRate)
	second := floorDiv(pos, sr)
	first, ok := seconds[second]
	if !ok || len(first.Layers) == 0 {
		return nil
	}
	next, hasNext := seconds[second+1]
	offset := pos - second*sr
	size := count
	if offset+size > sr && !hasNext {
		size = sr - offset
	}
	head := min(size, sr-offset)

	ch := int64(info.Channels)
	out := make([]*media.Audio, 0, len(first.Layers))
	for i, l := range first.Layers {
		a := media.NewAudio(info, int(size))
		if l.Audio != nil && l.Audio.Info == info {
			copySamples(a.Samples, l.Audio.Samples, offset*ch, head*ch)
		}
		if head < size && hasNext && i < len(next.Layers) {
			if n := next.Layers[i].Audio; n != nil && n.Info == info {
				copySamples(a.Samples[head*ch:], n.Samples, 0, (size-head)*ch)
			}
		}
		out = append(out, a)
	}
	return out
}

func copySamples(dst, src []float32, from, n int64) {
	if from >= int64(len(src)) {
		return
	}
	end := min(from+n, int64(len(src)))
	copy(dst, src[from:end])
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// changeSpeed time-stretches a by ratio without pitch correction: the
// result holds len/ratio frames in the same layout.
func changeSpeed(a *media.Audio, ratio float64) *media.Audio {
	target := a.Info
	target.SampleRate = int(math.Round(float64(a.Info.SampleRate) / ratio))
	if target.SampleRate <= 0 || target.SampleRate == a.Info.SampleRate {
		return a
	}
	out := media.NewResampler(a.Info, target).Process(a)
	if out == nil {
		return a
	}
	out.Info = a.Info
	return out
}
