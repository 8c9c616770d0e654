package mediacache

import (
	"sync"
	"testing"

	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
)

func frame(bytes int) *media.Image {
	return &media.Image{Info: media.ImageInfo{Width: bytes, Height: 1, Channels: 1}, Data: make([]byte, bytes)}
}

func TestKeysDistinguishInputs(t *testing.T) {
	t.Parallel()

	opts := media.Options{"a": "1"}
	base := VideoKey("clip.pattern", rtime.New(5, 24), opts)

	if VideoKey("clip.pattern", rtime.New(5, 24), media.Options{"a": "1"}) != base {
		t.Error("identical inputs should share a key")
	}
	if VideoKey("clip.pattern", rtime.New(6, 24), opts) == base {
		t.Error("time should change the key")
	}
	if VideoKey("clip.pattern", rtime.New(5, 24), media.Options{"a": "1", "Layer": "1"}) == base {
		t.Error("layer option should change the key")
	}
	if VideoKey("other.pattern", rtime.New(5, 24), opts) == base {
		t.Error("source should change the key")
	}
	r := rtime.NewRange(rtime.New(0, 48000), rtime.New(48000, 48000))
	if AudioKey("clip.pattern", r, opts) == AudioKey("clip.pattern", r, nil) {
		t.Error("options should change the audio key")
	}
}

func TestVideoBudgetLRU(t *testing.T) {
	t.Parallel()

	// 1000 bytes: 900 video, 100 audio.
	c := New(1000)
	for i := 0; i < 12; i++ {
		c.AddVideo(Key(i), frame(100))
		if i == 5 {
			// Keep key 0 warm.
			if _, ok := c.GetVideo(Key(0)); !ok {
				t.Fatal("key 0 should still be resident")
			}
		}
	}

	st := c.Stats()
	if st.VideoBytes > 900 {
		t.Errorf("video bytes: got %d, want <= 900", st.VideoBytes)
	}
	if !c.ContainsVideo(Key(11)) {
		t.Error("most recent insert should be resident")
	}
	if !c.ContainsVideo(Key(0)) {
		t.Error("recently accessed entry should be retained")
	}
	if c.ContainsVideo(Key(1)) {
		t.Error("oldest untouched entry should be evicted")
	}
	if st.Evictions == 0 {
		t.Error("evictions should be counted")
	}
}

func TestPartitionsIndependent(t *testing.T) {
	t.Parallel()

	c := New(1000)
	info := media.AudioInfo{Channels: 1, SampleRate: 10}
	c.AddAudio(Key(1), media.NewAudio(info, 20)) // 80 bytes
	for i := 0; i < 20; i++ {
		c.AddVideo(Key(100+i), frame(100))
	}
	if !c.ContainsAudio(Key(1)) {
		t.Error("video pressure should not evict audio")
	}

	c.AddAudio(Key(2), media.NewAudio(info, 20))
	if c.ContainsAudio(Key(1)) {
		t.Error("audio over budget should evict older audio")
	}
	if c.Size() > 1000 {
		t.Errorf("size: got %d, want <= 1000", c.Size())
	}
}

func TestOversizeInsertSucceeds(t *testing.T) {
	t.Parallel()

	c := New(1000)
	c.AddVideo(Key(1), frame(100))
	c.AddVideo(Key(2), frame(5000))
	if !c.ContainsVideo(Key(2)) {
		t.Error("oversize frame should be stored")
	}
	if c.ContainsVideo(Key(1)) {
		t.Error("older frame should make room")
	}
}

func TestNilNotCached(t *testing.T) {
	t.Parallel()

	c := New(1000)
	c.AddVideo(Key(1), nil)
	c.AddAudio(Key(1), nil)
	if c.ContainsVideo(Key(1)) || c.ContainsAudio(Key(1)) {
		t.Error("nil results should not be cached")
	}
}

func TestSetMaxPercentageClear(t *testing.T) {
	t.Parallel()

	c := New(1000)
	for i := 0; i < 9; i++ {
		c.AddVideo(Key(i), frame(100))
	}
	if got := c.Percentage(); got != 90 {
		t.Errorf("percentage: got %f, want 90", got)
	}

	c.SetMax(500)
	if c.Size() > 450 {
		t.Errorf("size after shrink: got %d, want <= 450", c.Size())
	}

	c.Clear()
	if c.Size() != 0 {
		t.Errorf("size after clear: got %d, want 0", c.Size())
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := New(10_000)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := Key(g*1000 + i)
				c.AddVideo(k, frame(64))
				c.GetVideo(k)
			}
		}(g)
	}
	wg.Wait()
	if c.Stats().VideoBytes > 9000 {
		t.Errorf("video bytes over budget: %d", c.Stats().VideoBytes)
	}
}
