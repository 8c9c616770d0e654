package timeline

import (
	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
)

// VideoLayer is one composited track. Image is nil for gaps and for clips
// that failed to resolve or decode.
type VideoLayer struct {
	Track           int
	Image           *media.Image
	Transition      composition.TransitionType
	TransitionValue float64
}

// VideoFrame is the result of GetVideo: one layer per visible video track,
// bottom to top. A frame with no layers is the empty result.
type VideoFrame struct {
	Time   rtime.Time
	Layers []VideoLayer
}

// Empty reports whether no layer produced an image.
func (f VideoFrame) Empty() bool {
	for _, l := range f.Layers {
		if l.Image != nil {
			return false
		}
	}
	return true
}

// ByteCount sums the pixel buffers of every layer.
func (f VideoFrame) ByteCount() int {
	n := 0
	for _, l := range f.Layers {
		n += l.Image.ByteCount()
	}
	return n
}

// AudioLayer is one clip's contribution to a second of audio, padded to the
// whole second.
type AudioLayer struct {
	Track int
	Audio *media.Audio
}

// AudioFrame is the result of GetAudio. Audio is the additive mix of every
// layer, or nil when nothing is audible.
type AudioFrame struct {
	Seconds int64
	Layers  []AudioLayer
	Audio   *media.Audio
}

// VideoRequest is the handle returned by GetVideo.
type VideoRequest struct {
	ID     uint64
	Future *async.Future[VideoFrame]
}

// AudioRequest is the handle returned by GetAudio.
type AudioRequest struct {
	ID     uint64
	Future *async.Future[AudioFrame]
}

// Stats is a snapshot of the scheduler state.
type Stats struct {
	VideoQueued   int `json:"videoQueued"`
	AudioQueued   int `json:"audioQueued"`
	VideoInFlight int `json:"videoInFlight"`
	AudioInFlight int `json:"audioInFlight"`
	Readers       int `json:"readers"`
}
