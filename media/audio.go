package media

// AudioInfo describes interleaved 32-bit float audio.
type AudioInfo struct {
	Channels   int `json:"channels"`
	SampleRate int `json:"sampleRate"`
}

// IsValid reports whether the layout has channels and a sample rate.
func (i AudioInfo) IsValid() bool {
	return i.Channels > 0 && i.SampleRate > 0
}

// Audio is a block of interleaved samples. A sample frame holds one value
// per channel.
type Audio struct {
	Info    AudioInfo
	Samples []float32
}

// NewAudio allocates a silent block of frames sample frames.
func NewAudio(info AudioInfo, frames int) *Audio {
	if frames < 0 {
		frames = 0
	}
	return &Audio{Info: info, Samples: make([]float32, frames*info.Channels)}
}

// SampleCount returns the number of sample frames.
func (a *Audio) SampleCount() int {
	if a == nil || a.Info.Channels == 0 {
		return 0
	}
	return len(a.Samples) / a.Info.Channels
}

// ByteCount returns the in-memory size of the samples.
func (a *Audio) ByteCount() int {
	if a == nil {
		return 0
	}
	return len(a.Samples) * 4
}

// Pad places a at frame offset inside a silent block of total frames.
// Samples that fall outside the block are dropped.
func Pad(a *Audio, info AudioInfo, offset, total int) *Audio {
	out := NewAudio(info, total)
	if a == nil || a.Info != info {
		return out
	}
	ch := info.Channels
	src := a.Samples
	dst := offset * ch
	if dst < 0 {
		src = src[min(len(src), -dst):]
		dst = 0
	}
	if dst < len(out.Samples) {
		copy(out.Samples[dst:], src)
	}
	return out
}

// Mix sums layers sample by sample, scaled by volume. Channels flagged in
// channelMute are silenced. Layers whose layout differs from the first
// non-nil layer are skipped.
func Mix(layers []*Audio, volume float32, channelMute []bool) *Audio {
	var info AudioInfo
	frames := 0
	for _, l := range layers {
		if l == nil {
			continue
		}
		if !info.IsValid() {
			info = l.Info
		}
		if l.Info == info {
			frames = max(frames, l.SampleCount())
		}
	}
	if !info.IsValid() {
		return nil
	}

	out := NewAudio(info, frames)
	for _, l := range layers {
		if l == nil || l.Info != info {
			continue
		}
		for i, s := range l.Samples {
			out.Samples[i] += s * volume
		}
	}
	for c, muted := range channelMute {
		if !muted || c >= info.Channels {
			continue
		}
		for i := c; i < len(out.Samples); i += info.Channels {
			out.Samples[i] = 0
		}
	}
	return out
}
