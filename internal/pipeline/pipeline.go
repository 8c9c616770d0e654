// Package pipeline forwards a player's state changes to a relay. Discrete
// changes (playback, seek, loop, in/out, speed) are queued in order;
// continuous ones (time, cache, video) are coalesced so a slow relay only
// ever sees the latest value.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/loupe/internal/relay"
	"github.com/zsiec/loupe/player"
	"github.com/zsiec/loupe/rtime"
	"github.com/zsiec/loupe/timeline"
)

// Broadcaster is the subset of relay.Relay the pipeline publishes through.
type Broadcaster interface {
	Broadcast(typ string, data any) relay.Event
	ViewerCount() int
	ViewerStatsAll() []relay.ViewerStats
}

// TimePayload is the data of time and seek events.
type TimePayload struct {
	Frame   int64   `json:"frame"`
	Rate    float64 `json:"rate"`
	Seconds float64 `json:"seconds"`
}

// NewTimePayload describes t.
func NewTimePayload(t rtime.Time) TimePayload {
	return TimePayload{Frame: t.Frame(), Rate: t.Rate, Seconds: t.Seconds()}
}

// RangePayload is a half-open frame span [Start, End).
type RangePayload struct {
	Start int64   `json:"start"`
	End   int64   `json:"end"`
	Rate  float64 `json:"rate"`
}

// NewRangePayload describes r.
func NewRangePayload(r rtime.Range) RangePayload {
	return RangePayload{Start: r.Start.Frame(), End: r.EndExclusive().Frame(), Rate: r.Start.Rate}
}

// CachePayload is the data of cache events.
type CachePayload struct {
	Percentage float64        `json:"percentage"`
	Video      []RangePayload `json:"video"`
	Audio      []RangePayload `json:"audio"`
}

// VideoPayload summarizes one published video frame per timeline.
type VideoPayload struct {
	Frame  int64 `json:"frame"`
	Layers int   `json:"layers"`
	Empty  bool  `json:"empty"`
}

// Player is the subset of player.Player the pipeline observes.
type Player interface {
	ObservePlayback(fn func(player.Playback)) func()
	ObserveLoop(fn func(player.Loop)) func()
	ObserveSpeed(fn func(float64)) func()
	ObserveInOutRange(fn func(rtime.Range)) func()
	ObserveSeek(fn func(rtime.Time)) func()
	ObserveCurrentTime(fn func(rtime.Time)) func()
	ObserveCacheInfo(fn func(player.CacheInfo)) func()
	ObserveCurrentVideo(fn func([]timeline.VideoFrame)) func()
}

type update struct {
	typ  string
	data any
}

// DebugStats are forwarding counters for the debug endpoint.
type DebugStats struct {
	Forwarded    int64 `json:"forwarded"`
	Dropped      int64 `json:"dropped"`
	Coalesced    int64 `json:"coalesced"`
	ControlDepth int   `json:"controlDepth"`
}

// Snapshot is the session summary served by the control API.
type Snapshot struct {
	UptimeMs    int64               `json:"uptimeMs"`
	ViewerCount int                 `json:"viewerCount"`
	Viewers     []relay.ViewerStats `json:"viewers"`
	Debug       DebugStats          `json:"debug"`
}

// Pipeline bridges one player and one relay.
type Pipeline struct {
	log       *slog.Logger
	player    Player
	relay     Broadcaster
	startTime time.Time

	control chan update

	timeDirty  chan struct{}
	cacheDirty chan struct{}
	videoDirty chan struct{}
	lastTime   atomic.Pointer[TimePayload]
	lastCache  atomic.Pointer[CachePayload]
	lastVideo  atomic.Pointer[[]VideoPayload]

	forwarded atomic.Int64
	dropped   atomic.Int64
	coalesced atomic.Int64
}

// New creates a Pipeline publishing p's state through r.
func New(id string, p Player, r Broadcaster, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:        log.With("component", "pipeline", "session", id),
		player:     p,
		relay:      r,
		startTime:  time.Now(),
		control:    make(chan update, 64),
		timeDirty:  make(chan struct{}, 1),
		cacheDirty: make(chan struct{}, 1),
		videoDirty: make(chan struct{}, 1),
	}
}

// Debug returns forwarding counters.
func (p *Pipeline) Debug() DebugStats {
	return DebugStats{
		Forwarded:    p.forwarded.Load(),
		Dropped:      p.dropped.Load(),
		Coalesced:    p.coalesced.Load(),
		ControlDepth: len(p.control),
	}
}

// Snapshot returns a point-in-time summary of the session's delivery.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		ViewerCount: p.relay.ViewerCount(),
		Viewers:     p.relay.ViewerStatsAll(),
		Debug:       p.Debug(),
	}
}

// queue is called from player observers and must not block.
func (p *Pipeline) queue(typ string, data any) {
	select {
	case p.control <- update{typ: typ, data: data}:
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) mark(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		p.coalesced.Add(1)
	}
}

func (p *Pipeline) subscribe() []func() {
	return []func(){
		p.player.ObservePlayback(func(v player.Playback) { p.queue(relay.EventPlayback, v.String()) }),
		p.player.ObserveLoop(func(v player.Loop) { p.queue(relay.EventLoop, v.String()) }),
		p.player.ObserveSpeed(func(v float64) { p.queue(relay.EventSpeed, v) }),
		p.player.ObserveInOutRange(func(r rtime.Range) { p.queue(relay.EventInOut, NewRangePayload(r)) }),
		p.player.ObserveSeek(func(t rtime.Time) { p.queue(relay.EventSeek, NewTimePayload(t)) }),
		p.player.ObserveCurrentTime(func(t rtime.Time) {
			tp := NewTimePayload(t)
			p.lastTime.Store(&tp)
			p.mark(p.timeDirty)
		}),
		p.player.ObserveCacheInfo(func(ci player.CacheInfo) {
			cp := CachePayload{Percentage: ci.Percentage}
			for _, r := range ci.Video {
				cp.Video = append(cp.Video, NewRangePayload(r))
			}
			for _, r := range ci.Audio {
				cp.Audio = append(cp.Audio, NewRangePayload(r))
			}
			p.lastCache.Store(&cp)
			p.mark(p.cacheDirty)
		}),
		p.player.ObserveCurrentVideo(func(frames []timeline.VideoFrame) {
			vp := make([]VideoPayload, len(frames))
			for i, f := range frames {
				vp[i] = VideoPayload{Frame: f.Time.Frame(), Layers: len(f.Layers), Empty: f.Empty()}
			}
			p.lastVideo.Store(&vp)
			p.mark(p.videoDirty)
		}),
	}
}

func (p *Pipeline) publish(typ string, data any) {
	p.relay.Broadcast(typ, data)
	p.forwarded.Add(1)
}

// Run subscribes to the player and forwards changes until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	cancels := p.subscribe()
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()
	p.log.Debug("pipeline started")

	for {
		// Priority drain: discrete changes go out before coalesced time
		// updates so a seek is never reported after the time it produced.
		select {
		case u := <-p.control:
			p.publish(u.typ, u.data)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			p.log.Debug("pipeline stopped", "forwarded", p.forwarded.Load(), "dropped", p.dropped.Load())
			return nil
		case u := <-p.control:
			p.publish(u.typ, u.data)
		case <-p.timeDirty:
			if tp := p.lastTime.Load(); tp != nil {
				p.publish(relay.EventTime, *tp)
			}
		case <-p.cacheDirty:
			if cp := p.lastCache.Load(); cp != nil {
				p.publish(relay.EventCache, *cp)
			}
		case <-p.videoDirty:
			if vp := p.lastVideo.Load(); vp != nil {
				p.publish(relay.EventVideo, *vp)
			}
		}
	}
}
