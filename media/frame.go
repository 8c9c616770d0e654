// Package media defines the decoded media types that flow from reader
// backends through the timeline to the player: images, audio blocks, stream
// info, and the per-request decode options.
package media

import (
	"github.com/zsiec/loupe/rtime"
)

// ImageInfo describes the layout of an 8-bit interleaved image.
type ImageInfo struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

// IsValid reports whether the image has a non-empty size.
func (i ImageInfo) IsValid() bool {
	return i.Width > 0 && i.Height > 0 && i.Channels > 0
}

// ByteCount returns the number of bytes a pixel buffer of this layout holds.
func (i ImageInfo) ByteCount() int {
	return i.Width * i.Height * i.Channels
}

// Image is a decoded video frame.
type Image struct {
	Info ImageInfo
	Data []byte
	Tags map[string]string
}

// NewImage allocates a zeroed image.
func NewImage(info ImageInfo) *Image {
	return &Image{Info: info, Data: make([]byte, info.ByteCount())}
}

// ByteCount returns the size of the pixel buffer. Nil images have size 0.
func (img *Image) ByteCount() int {
	if img == nil {
		return 0
	}
	return len(img.Data)
}

// Info describes what a reader can produce.
type Info struct {
	Video     []ImageInfo       `json:"video,omitempty"`
	VideoTime rtime.Range       `json:"videoTime"`
	Audio     AudioInfo         `json:"audio"`
	AudioTime rtime.Range       `json:"audioTime"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// HasVideo reports whether the source has at least one video layer.
func (i Info) HasVideo() bool { return len(i.Video) > 0 }

// HasAudio reports whether the source carries audio.
func (i Info) HasAudio() bool { return i.Audio.IsValid() }

// VideoData is the result of a single video read. A nil Image means no frame
// could be produced for Time.
type VideoData struct {
	Time  rtime.Time
	Layer int
	Image *Image
}

// AudioData is the result of a single audio read covering Time onward.
type AudioData struct {
	Time  rtime.Time
	Audio *Audio
}
