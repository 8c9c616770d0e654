// Package player drives one or more timelines against a wall clock.
//
// A Player owns a tick goroutine that advances the cursor, applies the loop
// mode at the in/out bounds, keeps a window of video and audio requested
// around the cursor and publishes what is ready through observables. Audio
// is handed to an external sink through FillAudio.
package player

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/engine"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/observe"
	"github.com/zsiec/loupe/rtime"
	"github.com/zsiec/loupe/timeline"
)

// LayerOption is the reader option selecting a layer inside multi-layer
// media.
const LayerOption = "Layer"

type pendingVideo struct {
	tl  *timeline.Timeline
	req timeline.VideoRequest
}

// Player plays a timeline. Compared timelines are read alongside it but
// are not owned; the caller closes them.
type Player struct {
	log       *slog.Logger
	ec        *engine.Context
	tl        *timeline.Timeline
	timeRange rtime.Range
	rate      float64
	ioInfo    media.Info
	opts      Options
	loop      *async.Loop

	speed              *observe.Comparable[float64]
	speedMult          *observe.Comparable[float64]
	playback           *observe.Comparable[Playback]
	loopMode           *observe.Comparable[Loop]
	currentTime        *observe.Comparable[rtime.Time]
	seek               *observe.Value[rtime.Time]
	inOut              *observe.Comparable[rtime.Range]
	compare            *observe.Func[[]*timeline.Timeline]
	compareTime        *observe.Comparable[CompareTime]
	ioOptions          *observe.Func[media.Options]
	videoLayer         *observe.Comparable[int]
	compareVideoLayers *observe.Func[[]int]
	currentVideo       *observe.Value[[]timeline.VideoFrame]
	currentAudio       *observe.Value[timeline.AudioFrame]
	volume             *observe.Comparable[float64]
	mute               *observe.Comparable[bool]
	channelMute        *observe.Func[[]bool]
	audioOffset        *observe.Comparable[float64]
	cacheOptions       *observe.Comparable[CacheOptions]
	cacheInfo          *observe.Func[CacheInfo]

	// mu guards the playback clock and the clear flags.
	mu            sync.Mutex
	pos           float64
	last          time.Time
	epoch         uint64
	clearRequests bool
	clearCache    bool

	// Tick-owned.
	videoRequests map[int64][]pendingVideo
	videoFrames   map[int64][]timeline.VideoFrame
	audioRequests map[int64]timeline.AudioRequest
	lastVideo     int64
	lastAudio     int64
	hasVideo      bool
	hasAudio      bool
	logTimer      time.Time

	// audioMu guards the finished audio seconds and the state the sink
	// compares against.
	audioMu     sync.Mutex
	audioFrames map[int64]timeline.AudioFrame
	audioState  audioState

	fillMu sync.Mutex
	fill   fillState

	closeOnce sync.Once
}

// New starts a Player on tl.
func New(ec *engine.Context, tl *timeline.Timeline, opts Options) (*Player, error) {
	if ec == nil {
		return nil, errors.New("player: nil engine context")
	}
	if tl == nil {
		return nil, errors.New("player: nil timeline")
	}
	timeRange := tl.TimeRange()
	rate := timeRange.Duration.Rate
	if rate <= 0 {
		return nil, errors.New("player: timeline has no rate")
	}
	opts = opts.withDefaults()
	log := opts.Log
	if log == nil {
		log = ec.Log
	}
	log = log.With("component", "player", "composition", tl.Composition().Name)

	start := timeRange.Start.Rescale(rate)
	if opts.CurrentTime.IsValid() {
		start = timeRange.Clamp(opts.CurrentTime.Rescale(rate).Round())
	}

	p := &Player{
		log:       log,
		ec:        ec,
		tl:        tl,
		timeRange: timeRange,
		rate:      rate,
		ioInfo:    tl.IOInfo(),
		opts:      opts,
		loop:      async.NewLoop(opts.TickInterval),

		speed:              observe.NewComparable(rate),
		speedMult:          observe.NewComparable(1.0),
		playback:           observe.NewComparable(Stop),
		loopMode:           observe.NewComparable(LoopLoop),
		currentTime:        observe.NewComparable(start),
		seek:               observe.NewValue(start),
		inOut:              observe.NewComparable(timeRange),
		compare:            observe.NewFunc(nil, slices.Equal[[]*timeline.Timeline]),
		compareTime:        observe.NewComparable(CompareRelative),
		ioOptions:          observe.NewFunc(nil, maps.Equal[media.Options, media.Options]),
		videoLayer:         observe.NewComparable(0),
		compareVideoLayers: observe.NewFunc(nil, slices.Equal[[]int]),
		currentVideo:       observe.NewValue[[]timeline.VideoFrame](nil),
		currentAudio:       observe.NewValue(timeline.AudioFrame{}),
		volume:             observe.NewComparable(1.0),
		mute:               observe.NewComparable(false),
		channelMute:        observe.NewFunc(nil, slices.Equal[[]bool]),
		audioOffset:        observe.NewComparable(0.0),
		cacheOptions:       observe.NewComparable(opts.Cache),
		cacheInfo:          observe.NewFunc(CacheInfo{}, cacheInfoEqual),

		pos:           start.Value,
		last:          time.Now(),
		videoRequests: make(map[int64][]pendingVideo),
		videoFrames:   make(map[int64][]timeline.VideoFrame),
		audioRequests: make(map[int64]timeline.AudioRequest),
		audioFrames:   make(map[int64]timeline.AudioFrame),
		logTimer:      time.Now(),
	}
	p.resetAudio(start)
	p.loop.Start(p.tick, p.finish)

	log.Info("player created", "range", timeRange.String(), "start", start.String())
	return p, nil
}

// Close stops the tick goroutine and cancels outstanding requests. It is
// safe to call more than once.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.loop.Stop()
		p.log.Info("player closed")
	})
	return nil
}

// Timeline returns the primary timeline.
func (p *Player) Timeline() *timeline.Timeline { return p.tl }

// TimeRange returns the primary timeline's range.
func (p *Player) TimeRange() rtime.Range { return p.timeRange }

// IOInfo returns the primary timeline's probed media info.
func (p *Player) IOInfo() media.Info { return p.ioInfo }

// DefaultSpeed is the timeline's native frame rate.
func (p *Player) DefaultSpeed() float64 { return p.rate }

func (p *Player) Speed() float64 { return p.speed.Get() }

// SetSpeed sets playback speed in frames per second.
func (p *Player) SetSpeed(v float64) {
	if v <= 0 || !p.speed.SetIfChanged(v) {
		return
	}
	p.rebase()
}

func (p *Player) ObserveSpeed(fn func(float64)) func() { return p.speed.Observe(fn) }

func (p *Player) SpeedMult() float64 { return p.speedMult.Get() }

// SetSpeedMult scales the playback speed.
func (p *Player) SetSpeedMult(v float64) {
	if v <= 0 || !p.speedMult.SetIfChanged(v) {
		return
	}
	p.rebase()
}

func (p *Player) ObserveSpeedMult(fn func(float64)) func() { return p.speedMult.Observe(fn) }

func (p *Player) Playback() Playback { return p.playback.Get() }

// IsStopped reports whether playback is stopped.
func (p *Player) IsStopped() bool { return p.playback.Get() == Stop }

// SetPlayback changes the transport state. Starting playback in Once mode
// from the far bound restarts from the near one.
func (p *Player) SetPlayback(v Playback) {
	if v != Stop && p.loopMode.Get() == LoopOnce {
		cur := p.currentTime.Get()
		r := p.inOut.Get()
		switch {
		case v == Forward && cur.Equal(r.EndInclusive().Rescale(p.rate)):
			p.Seek(r.Start)
		case v == Reverse && cur.Equal(r.Start.Rescale(p.rate)):
			p.Seek(r.EndInclusive())
		}
	}
	if p.playback.SetIfChanged(v) {
		p.rebase()
		p.loop.Signal()
	}
}

func (p *Player) Stop()    { p.SetPlayback(Stop) }
func (p *Player) Forward() { p.SetPlayback(Forward) }
func (p *Player) Reverse() { p.SetPlayback(Reverse) }

// TogglePlayback stops a playing player and starts a stopped one forward.
func (p *Player) TogglePlayback() {
	if p.IsStopped() {
		p.Forward()
	} else {
		p.Stop()
	}
}

func (p *Player) ObservePlayback(fn func(Playback)) func() { return p.playback.Observe(fn) }

func (p *Player) Loop() Loop { return p.loopMode.Get() }

func (p *Player) SetLoop(v Loop) { p.loopMode.SetIfChanged(v) }

func (p *Player) ObserveLoop(fn func(Loop)) func() { return p.loopMode.Observe(fn) }

// CurrentTime returns the emitted cursor, a whole frame at the timeline
// rate.
func (p *Player) CurrentTime() rtime.Time { return p.currentTime.Get() }

func (p *Player) ObserveCurrentTime(fn func(rtime.Time)) func() {
	return p.currentTime.Observe(fn)
}

// ObserveSeek reports discontinuous jumps only. It does not call fn with
// the current value.
func (p *Player) ObserveSeek(fn func(rtime.Time)) func() { return p.seek.Notify(fn) }

// Seek moves the cursor to t, applying the loop mode. Requests outside the
// new window are canceled on the next tick.
func (p *Player) Seek(t rtime.Time) {
	if !t.IsValid() {
		return
	}
	pb := p.playback.Get()
	out, next := loopTime(t.Rescale(p.rate).Round(), p.inOut.Get(), p.loopMode.Get(), pb)
	if !p.currentTime.SetIfChanged(out) {
		return
	}
	p.setClock(out.Value, time.Now())
	p.seek.Set(out)
	if next != pb {
		p.playback.SetIfChanged(next)
	}
	p.resetAudio(out)
	p.loop.Signal()
}

// TimeAction applies a discrete cursor move. Frame steps stop playback.
func (p *Player) TimeAction(a TimeAction) {
	cur := p.currentTime.Get()
	r := p.inOut.Get()
	step := func(frames float64) {
		p.Stop()
		p.Seek(cur.AddFrames(frames))
	}
	jump := func(seconds float64) {
		p.Seek(cur.Add(rtime.FromSeconds(seconds, p.rate)))
	}
	switch a {
	case ActionStart:
		p.Seek(r.Start)
	case ActionEnd:
		p.Seek(r.EndInclusive())
	case ActionFramePrev:
		step(-1)
	case ActionFramePrevX10:
		step(-10)
	case ActionFramePrevX100:
		step(-100)
	case ActionFrameNext:
		step(1)
	case ActionFrameNextX10:
		step(10)
	case ActionFrameNextX100:
		step(100)
	case ActionJumpBack1s:
		jump(-1)
	case ActionJumpBack10s:
		jump(-10)
	case ActionJumpForward1s:
		jump(1)
	case ActionJumpForward10s:
		jump(10)
	}
}

func (p *Player) GotoStart() { p.TimeAction(ActionStart) }
func (p *Player) GotoEnd()   { p.TimeAction(ActionEnd) }
func (p *Player) FramePrev() { p.TimeAction(ActionFramePrev) }
func (p *Player) FrameNext() { p.TimeAction(ActionFrameNext) }

func (p *Player) InOutRange() rtime.Range { return p.inOut.Get() }

// SetInOutRange limits playback to r, intersected with the timeline range.
// The cursor is moved inside the new range when it falls outside.
func (p *Player) SetInOutRange(r rtime.Range) {
	r, ok := r.Intersection(p.timeRange)
	if !ok {
		return
	}
	if !p.inOut.SetIfChanged(r) {
		return
	}
	if cur := p.currentTime.Get(); !r.Contains(cur) {
		p.Seek(r.Clamp(cur))
	}
}

// SetInPoint starts the in/out range at the cursor.
func (p *Player) SetInPoint() {
	r := p.inOut.Get()
	p.SetInOutRange(rtime.RangeFromStartEndInclusive(p.currentTime.Get(), r.EndInclusive()))
}

// ResetInPoint moves the in point back to the timeline start.
func (p *Player) ResetInPoint() {
	r := p.inOut.Get()
	p.SetInOutRange(rtime.RangeFromStartEndInclusive(p.timeRange.Start, r.EndInclusive()))
}

// SetOutPoint ends the in/out range at the cursor, inclusive.
func (p *Player) SetOutPoint() {
	r := p.inOut.Get()
	p.SetInOutRange(rtime.RangeFromStartEndInclusive(r.Start, p.currentTime.Get()))
}

// ResetOutPoint moves the out point to the timeline end.
func (p *Player) ResetOutPoint() {
	r := p.inOut.Get()
	p.SetInOutRange(rtime.RangeFromStartEndInclusive(r.Start, p.timeRange.EndInclusive()))
}

func (p *Player) ObserveInOutRange(fn func(rtime.Range)) func() { return p.inOut.Observe(fn) }

func (p *Player) Compare() []*timeline.Timeline { return slices.Clone(p.compare.Get()) }

// SetCompare replaces the compared timelines.
func (p *Player) SetCompare(tls []*timeline.Timeline) {
	if p.compare.SetIfChanged(slices.Clone(tls)) {
		p.invalidate()
	}
}

func (p *Player) CompareTime() CompareTime { return p.compareTime.Get() }

func (p *Player) SetCompareTime(v CompareTime) {
	if p.compareTime.SetIfChanged(v) {
		p.invalidate()
	}
}

func (p *Player) VideoLayer() int { return p.videoLayer.Get() }

// SetVideoLayer selects the layer read from multi-layer media.
func (p *Player) SetVideoLayer(v int) {
	if p.videoLayer.SetIfChanged(v) {
		p.invalidate()
	}
}

func (p *Player) CompareVideoLayers() []int { return slices.Clone(p.compareVideoLayers.Get()) }

// SetCompareVideoLayers sets one layer per compared timeline. Missing
// entries use VideoLayer.
func (p *Player) SetCompareVideoLayers(v []int) {
	if p.compareVideoLayers.SetIfChanged(slices.Clone(v)) {
		p.invalidate()
	}
}

func (p *Player) IOOptions() media.Options { return p.ioOptions.Get().Clone() }

// SetIOOptions sets options passed with every request.
func (p *Player) SetIOOptions(o media.Options) {
	if p.ioOptions.SetIfChanged(o.Clone()) {
		p.invalidate()
	}
}

// CurrentVideo returns one frame per timeline, primary first.
func (p *Player) CurrentVideo() []timeline.VideoFrame { return p.currentVideo.Get() }

func (p *Player) ObserveCurrentVideo(fn func([]timeline.VideoFrame)) func() {
	return p.currentVideo.Observe(fn)
}

// CurrentAudio returns the most recent second of audio reached by the
// cursor.
func (p *Player) CurrentAudio() timeline.AudioFrame { return p.currentAudio.Get() }

func (p *Player) ObserveCurrentAudio(fn func(timeline.AudioFrame)) func() {
	return p.currentAudio.Observe(fn)
}

func (p *Player) CacheInfo() CacheInfo { return p.cacheInfo.Get() }

func (p *Player) ObserveCacheInfo(fn func(CacheInfo)) func() { return p.cacheInfo.Observe(fn) }

func (p *Player) CacheOptions() CacheOptions { return p.cacheOptions.Get() }

func (p *Player) SetCacheOptions(v CacheOptions) {
	v.ReadAhead = max(v.ReadAhead, 0)
	v.ReadBehind = max(v.ReadBehind, 0)
	p.cacheOptions.SetIfChanged(v)
}

// ClearCache drops every request and finished frame the player holds. The
// shared decoded-media cache is left alone.
func (p *Player) ClearCache() {
	p.invalidate()
}

func (p *Player) invalidate() {
	p.mu.Lock()
	p.clearRequests = true
	p.clearCache = true
	p.mu.Unlock()
	p.loop.Signal()
}

// rebase restarts the clock from the emitted cursor so rate and direction
// changes never jump.
func (p *Player) rebase() {
	cur := p.currentTime.Get()
	p.setClock(cur.Value, time.Now())
	p.resetAudio(cur)
}

func (p *Player) setClock(pos float64, now time.Time) {
	p.mu.Lock()
	p.pos = pos
	p.last = now
	p.epoch++
	p.mu.Unlock()
}

// loopTime applies mode to t against the bounds r. It returns the time to
// emit and the playback state that should follow.
func loopTime(t rtime.Time, r rtime.Range, mode Loop, pb Playback) (rtime.Time, Playback) {
	if !r.IsValid() || r.Duration.Value <= 0 {
		return t, pb
	}
	switch mode {
	case LoopOnce:
		out := r.Clamp(t)
		if !out.Equal(t) {
			return out, Stop
		}
		return out, pb
	case LoopPingPong:
		out := r.Clamp(t)
		switch {
		case t.Before(r.Start) && pb == Reverse:
			pb = Forward
		case t.After(r.EndInclusive()) && pb == Forward:
			pb = Reverse
		}
		return out, pb
	default:
		out, _ := rtime.Loop(t, r)
		return out.Rescale(t.Rate), pb
	}
}

func (p *Player) tick() {
	now := time.Now()
	p.advance(now)
	p.updateRequests()
	p.updateCurrent()
	p.updateCacheInfo()
	p.ec.Metrics.IncTicks()

	if now.Sub(p.logTimer) >= p.opts.LogInterval {
		p.logTimer = now
		p.log.Debug("player state",
			"time", p.currentTime.Get().String(),
			"playback", p.playback.Get().String(),
			"videoRequests", len(p.videoRequests),
			"videoFrames", len(p.videoFrames),
			"audioRequests", len(p.audioRequests))
	}
}

// advance moves the clock by the wall time since the last tick and applies
// the loop mode.
func (p *Player) advance(now time.Time) {
	pb := p.playback.Get()
	if pb == Stop {
		p.setClock(p.currentTime.Get().Value, now)
		return
	}
	speed := p.speed.Get() * p.speedMult.Get()

	p.mu.Lock()
	dt := now.Sub(p.last).Seconds()
	p.last = now
	if pb == Forward {
		p.pos += dt * speed
	} else {
		p.pos -= dt * speed
	}
	t := rtime.New(p.pos, p.rate)
	if pb == Forward {
		t = t.Floor()
	} else {
		t = t.Ceil()
	}
	epoch := p.epoch
	p.mu.Unlock()

	out, next := loopTime(t, p.inOut.Get(), p.loopMode.Get(), pb)
	moved := !out.Equal(t)
	p.mu.Lock()
	if p.epoch != epoch {
		// A seek landed while this tick was computing.
		p.mu.Unlock()
		return
	}
	if moved {
		if p.loopMode.Get() == LoopLoop {
			// Keep the sub-frame remainder across the wrap.
			p.pos += out.Value - t.Value
		} else {
			p.pos = out.Value
		}
	}
	p.mu.Unlock()
	p.currentTime.SetIfChanged(out)
	if next != pb {
		p.playback.SetIfChanged(next)
	}
	if moved || next != pb {
		p.resetAudio(out)
	}
}

func (p *Player) finish() {
	p.cancelAll()
}

func (p *Player) cancelAll() {
	ids := make(map[*timeline.Timeline][]uint64)
	for _, reqs := range p.videoRequests {
		for _, r := range reqs {
			ids[r.tl] = append(ids[r.tl], r.req.ID)
		}
	}
	for _, r := range p.audioRequests {
		ids[p.tl] = append(ids[p.tl], r.ID)
	}
	for tl, list := range ids {
		tl.CancelRequests(list)
	}
	clear(p.videoRequests)
	clear(p.audioRequests)
}
