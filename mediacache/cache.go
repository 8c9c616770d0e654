// Package mediacache holds decoded video frames and audio blocks under a
// single byte budget, split between a video and an audio partition that
// evict independently in least-recently-used order.
package mediacache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/zsiec/loupe/internal/lru"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
)

// DefaultMaxBytes is the default overall budget.
const DefaultMaxBytes int64 = 4 << 30

// VideoShare is the fraction of the budget reserved for video.
const VideoShare = 0.9

// Key identifies a cached unit.
type Key uint64

// VideoKey digests the identity of one decoded frame.
// Per-layer settings reach the key through opts.
func VideoKey(source string, t rtime.Time, opts media.Options) Key {
	d := xxhash.New()
	_, _ = d.WriteString("video|")
	_, _ = d.WriteString(source)
	_, _ = fmt.Fprintf(d, "|%g/%g|", t.Value, t.Rate)
	_, _ = d.WriteString(opts.Signature())
	return Key(d.Sum64())
}

// AudioKey digests the identity of one decoded audio block.
func AudioKey(source string, r rtime.Range, opts media.Options) Key {
	d := xxhash.New()
	_, _ = d.WriteString("audio|")
	_, _ = d.WriteString(source)
	_, _ = fmt.Fprintf(d, "|%g/%g+%g/%g|", r.Start.Value, r.Start.Rate, r.Duration.Value, r.Duration.Rate)
	_, _ = d.WriteString(opts.Signature())
	return Key(d.Sum64())
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	MaxBytes     int64 `json:"maxBytes"`
	VideoBytes   int64 `json:"videoBytes"`
	AudioBytes   int64 `json:"audioBytes"`
	VideoEntries int   `json:"videoEntries"`
	AudioEntries int   `json:"audioEntries"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
}

// Cache is safe for concurrent use. The mutex is held only for map
// operations, never while decoding.
type Cache struct {
	mu    sync.Mutex
	max   int64
	video *lru.Cache[Key, *media.Image]
	audio *lru.Cache[Key, *media.Audio]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New returns a cache with the given overall byte budget. A non-positive
// budget uses DefaultMaxBytes.
func New(maxBytes int64) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	v, a := split(maxBytes)
	return &Cache{
		max:   maxBytes,
		video: lru.New[Key, *media.Image](v),
		audio: lru.New[Key, *media.Audio](a),
	}
}

func split(maxBytes int64) (video, audio int64) {
	video = int64(float64(maxBytes) * VideoShare)
	return video, maxBytes - video
}

// SetMax changes the overall budget, evicting as needed.
func (c *Cache) SetMax(maxBytes int64) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	v, a := split(maxBytes)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.max = maxBytes
	n := len(c.video.SetMax(v)) + len(c.audio.SetMax(a))
	c.evictions.Add(int64(n))
}

// Max returns the overall budget.
func (c *Cache) Max() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// AddVideo stores a decoded frame. Nil images are not cached.
func (c *Cache) AddVideo(key Key, img *media.Image) {
	if img == nil {
		return
	}
	c.mu.Lock()
	evicted := c.video.Add(key, img, int64(img.ByteCount()))
	c.mu.Unlock()
	c.evictions.Add(int64(len(evicted)))
}

// GetVideo returns a cached frame.
func (c *Cache) GetVideo(key Key) (*media.Image, bool) {
	c.mu.Lock()
	img, ok := c.video.Get(key)
	c.mu.Unlock()
	c.count(ok)
	return img, ok
}

// ContainsVideo reports whether a frame is cached without touching recency.
func (c *Cache) ContainsVideo(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video.Contains(key)
}

// AddAudio stores a decoded audio block. Nil blocks are not cached.
func (c *Cache) AddAudio(key Key, a *media.Audio) {
	if a == nil {
		return
	}
	c.mu.Lock()
	evicted := c.audio.Add(key, a, int64(a.ByteCount()))
	c.mu.Unlock()
	c.evictions.Add(int64(len(evicted)))
}

// GetAudio returns a cached audio block.
func (c *Cache) GetAudio(key Key) (*media.Audio, bool) {
	c.mu.Lock()
	a, ok := c.audio.Get(key)
	c.mu.Unlock()
	c.count(ok)
	return a, ok
}

// ContainsAudio reports whether an audio block is cached.
func (c *Cache) ContainsAudio(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio.Contains(key)
}

func (c *Cache) count(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// Size returns the resident bytes across both partitions.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video.Size() + c.audio.Size()
}

// Percentage returns resident bytes as a percentage of the budget.
func (c *Cache) Percentage() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max <= 0 {
		return 0
	}
	return float64(c.video.Size()+c.audio.Size()) * 100 / float64(c.max)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video.Clear()
	c.audio.Clear()
}

// Stats returns counters and sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		MaxBytes:     c.max,
		VideoBytes:   c.video.Size(),
		AudioBytes:   c.audio.Size(),
		VideoEntries: c.video.Len(),
		AudioEntries: c.audio.Len(),
	}
	c.mu.Unlock()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	return s
}
