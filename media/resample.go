package media

import "math"

// Resampler converts a continuous stream of audio blocks between sample
// rates and channel counts using linear interpolation. It keeps the last
// input frame between calls so consecutive blocks join without clicks.
type Resampler struct {
	in, out AudioInfo
	pos     float64
	tail    []float32
}

// NewResampler returns a Resampler from in to out.
func NewResampler(in, out AudioInfo) *Resampler {
	return &Resampler{in: in, out: out}
}

// InputInfo returns the layout the resampler was created for.
func (r *Resampler) InputInfo() AudioInfo { return r.in }

// OutputInfo returns the produced layout.
func (r *Resampler) OutputInfo() AudioInfo { return r.out }

// Flush drops carried state so the next block starts fresh.
func (r *Resampler) Flush() {
	r.pos = 0
	r.tail = r.tail[:0]
}

// Process resamples a. Blocks in the wrong layout produce nil.
func (r *Resampler) Process(a *Audio) *Audio {
	if a == nil || a.Info != r.in || !r.in.IsValid() || !r.out.IsValid() {
		return nil
	}
	if r.in == r.out {
		out := &Audio{Info: r.out, Samples: make([]float32, len(a.Samples))}
		copy(out.Samples, a.Samples)
		return out
	}

	inCh := r.in.Channels
	outCh := r.out.Channels
	buf := make([]float32, 0, len(r.tail)+len(a.Samples))
	buf = append(append(buf, r.tail...), a.Samples...)
	n := len(buf) / inCh
	step := float64(r.in.SampleRate) / float64(r.out.SampleRate)

	capacity := int(math.Ceil(float64(n)/step)) + 1
	samples := make([]float32, 0, capacity*outCh)
	for r.pos < float64(n-1) {
		i := int(r.pos)
		f := float32(r.pos - float64(i))
		for c := 0; c < outCh; c++ {
			ic := c % inCh
			s0 := buf[i*inCh+ic]
			s1 := buf[(i+1)*inCh+ic]
			samples = append(samples, s0+(s1-s0)*f)
		}
		r.pos += step
	}
	if n > 0 {
		r.tail = append(r.tail[:0], buf[(n-1)*inCh:n*inCh]...)
		r.pos -= float64(n - 1)
	}
	return &Audio{Info: r.out, Samples: samples}
}
