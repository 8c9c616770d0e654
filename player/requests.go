package player

import (
	"math"
	"slices"
	"strconv"

	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
	"github.com/zsiec/loupe/timeline"
)

// videoWindow returns the frames wanted around cur at the timeline rate,
// nearest first in the direction of playback.
func videoWindow(cur rtime.Time, pb Playback, inOut rtime.Range, mode Loop, opts CacheOptions) []int64 {
	rate := cur.Rate
	ahead := math.Round(opts.ReadAhead.Seconds() * rate)
	behind := math.Round(opts.ReadBehind.Seconds() * rate)
	lo, hi := cur.Value-behind, cur.Value+ahead
	if pb == Reverse {
		lo, hi = cur.Value-ahead, cur.Value+behind
	}
	r := rtime.RangeFromStartEndInclusive(rtime.New(lo, rate), rtime.New(hi, rate))
	bounds := inOut.Rescale(rate)
	return orderFrames(wrap(r, bounds, mode), cur.Value, bounds, pb)
}

// audioWindow returns the whole seconds wanted around cur shifted by the
// audio offset, nearest first.
func audioWindow(cur rtime.Time, offset float64, pb Playback, inOut rtime.Range, mode Loop, opts CacheOptions) []int64 {
	s := cur.Seconds() - offset
	ahead := opts.ReadAhead.Seconds()
	behind := opts.ReadBehind.Seconds()
	lo, hi := s-behind, s+ahead
	if pb == Reverse {
		lo, hi = s-ahead, s+behind
	}
	r := rtime.RangeFromStartEndInclusive(rtime.New(math.Floor(lo), 1), rtime.New(math.Floor(hi), 1))
	first := math.Floor(inOut.Start.Seconds() - offset)
	last := math.Floor(inOut.EndInclusive().Seconds() - offset)
	bounds := rtime.RangeFromStartEndInclusive(rtime.New(first, 1), rtime.New(last, 1))
	return orderFrames(wrap(r, bounds, mode), math.Floor(s), bounds, pb)
}

// wrap fits r into bounds: looped around the ends in Loop mode, trimmed
// otherwise.
func wrap(r, bounds rtime.Range, mode Loop) []rtime.Range {
	if !bounds.IsValid() || bounds.Duration.Value <= 0 {
		return nil
	}
	if mode == LoopLoop {
		return rtime.LoopRange(r, bounds)
	}
	if in, ok := r.Intersection(bounds); ok {
		return []rtime.Range{in}
	}
	return nil
}

// orderFrames flattens ranges and sorts the frames by their distance from
// cur along the direction of playback, wrapping within bounds.
func orderFrames(ranges []rtime.Range, cur float64, bounds rtime.Range, pb Playback) []int64 {
	var out []int64
	for _, r := range ranges {
		for _, t := range rtime.Frames(r) {
			out = append(out, int64(math.Round(t.Value)))
		}
	}
	n := int64(math.Round(bounds.Duration.Value))
	c := int64(math.Round(cur))
	dist := func(f int64) int64 {
		d := f - c
		if pb == Reverse {
			d = -d
		}
		if n > 0 {
			d = ((d % n) + n) % n
		}
		return d
	}
	slices.SortFunc(out, func(a, b int64) int {
		if da, db := dist(a), dist(b); da != db {
			return int(da - db)
		}
		return int(a - b)
	})
	return slices.Compact(out)
}

// updateRequests cancels what left the window, issues what entered it and
// collects finished requests.
func (p *Player) updateRequests() {
	p.mu.Lock()
	clearRequests, clearCache := p.clearRequests, p.clearCache
	p.clearRequests, p.clearCache = false, false
	p.mu.Unlock()
	if clearRequests {
		p.cancelAll()
	}
	if clearCache {
		clear(p.videoFrames)
		p.audioMu.Lock()
		clear(p.audioFrames)
		p.audioMu.Unlock()
		p.hasVideo, p.hasAudio = false, false
	}

	cur := p.currentTime.Get()
	pb := p.playback.Get()
	inOut := p.inOut.Get()
	mode := p.loopMode.Get()
	copts := p.cacheOptions.Get()

	p.updateVideo(videoWindow(cur, pb, inOut, mode, copts))
	if p.ioInfo.HasAudio() {
		p.updateAudio(audioWindow(cur, p.audioOffset.Get(), pb, inOut, mode, copts))
	}
}

func (p *Player) updateVideo(window []int64) {
	wanted := make(map[int64]struct{}, len(window))
	for _, f := range window {
		wanted[f] = struct{}{}
	}

	cancel := make(map[*timeline.Timeline][]uint64)
	for f, reqs := range p.videoRequests {
		if _, ok := wanted[f]; ok {
			continue
		}
		for _, r := range reqs {
			cancel[r.tl] = append(cancel[r.tl], r.req.ID)
		}
		delete(p.videoRequests, f)
	}
	for tl, ids := range cancel {
		tl.CancelRequests(ids)
	}
	for f := range p.videoFrames {
		if _, ok := wanted[f]; !ok {
			delete(p.videoFrames, f)
		}
	}

	var (
		opts    media.Options
		compare []*timeline.Timeline
		layers  []int
		mode    CompareTime
		layer   int
	)
	if len(window) > 0 {
		layer = p.videoLayer.Get()
		opts = p.ioOptions.Get()
		compare = p.compare.Get()
		layers = p.compareVideoLayers.Get()
		mode = p.compareTime.Get()
	}
	for _, f := range window {
		if _, ok := p.videoFrames[f]; ok {
			continue
		}
		if _, ok := p.videoRequests[f]; ok {
			continue
		}
		t := rtime.New(float64(f), p.rate)
		reqs := make([]pendingVideo, 0, 1+len(compare))
		reqs = append(reqs, pendingVideo{tl: p.tl, req: p.tl.GetVideo(t, layerOptions(opts, layer))})
		for i, tl := range compare {
			l := layer
			if i < len(layers) {
				l = layers[i]
			}
			ct := compareTime(t, p.timeRange, tl.TimeRange(), mode)
			reqs = append(reqs, pendingVideo{tl: tl, req: tl.GetVideo(ct, layerOptions(opts, l))})
		}
		p.videoRequests[f] = reqs
	}

	for f, reqs := range p.videoRequests {
		if !slices.ContainsFunc(reqs, func(r pendingVideo) bool { return !r.req.Future.Ready() }) {
			frames := make([]timeline.VideoFrame, len(reqs))
			for i, r := range reqs {
				frames[i], _ = r.req.Future.Result()
			}
			p.videoFrames[f] = frames
			delete(p.videoRequests, f)
		}
	}
}

func layerOptions(opts media.Options, layer int) media.Options {
	if layer <= 0 {
		return opts
	}
	return media.Merge(opts, media.Options{LayerOption: strconv.Itoa(layer)})
}

func (p *Player) updateAudio(window []int64) {
	wanted := make(map[int64]struct{}, len(window))
	for _, s := range window {
		wanted[s] = struct{}{}
	}

	var ids []uint64
	for s, r := range p.audioRequests {
		if _, ok := wanted[s]; !ok {
			ids = append(ids, r.ID)
			delete(p.audioRequests, s)
		}
	}
	if len(ids) > 0 {
		p.tl.CancelRequests(ids)
	}

	p.audioMu.Lock()
	for s := range p.audioFrames {
		if _, ok := wanted[s]; !ok {
			delete(p.audioFrames, s)
		}
	}
	have := make(map[int64]struct{}, len(p.audioFrames))
	for s := range p.audioFrames {
		have[s] = struct{}{}
	}
	p.audioMu.Unlock()

	opts := p.ioOptions.Get()
	for _, s := range window {
		if _, ok := have[s]; ok {
			continue
		}
		if _, ok := p.audioRequests[s]; ok {
			continue
		}
		p.audioRequests[s] = p.tl.GetAudio(s, opts)
	}

	for s, r := range p.audioRequests {
		if !r.Future.Ready() {
			continue
		}
		frame, _ := r.Future.Result()
		p.audioMu.Lock()
		p.audioFrames[s] = frame
		p.audioMu.Unlock()
		delete(p.audioRequests, s)
	}
}

// updateCurrent publishes the frame and second under the cursor once they
// are available.
func (p *Player) updateCurrent() {
	cur := p.currentTime.Get()
	f := int64(math.Round(cur.Value))
	if frames, ok := p.videoFrames[f]; ok && (!p.hasVideo || p.lastVideo != f) {
		p.lastVideo, p.hasVideo = f, true
		p.currentVideo.Set(frames)
	}

	s := int64(math.Floor(cur.Seconds() - p.audioOffset.Get()))
	p.audioMu.Lock()
	frame, ok := p.audioFrames[s]
	p.audioMu.Unlock()
	if ok && (!p.hasAudio || p.lastAudio != s) {
		p.lastAudio, p.hasAudio = s, true
		p.currentAudio.Set(frame)
	}
}

func (p *Player) updateCacheInfo() {
	video := make([]rtime.Time, 0, len(p.videoFrames))
	var videoBytes int64
	for f, held := range p.videoFrames {
		video = append(video, rtime.New(float64(f), p.rate))
		for _, vf := range held {
			videoBytes += int64(vf.ByteCount())
		}
	}
	p.audioMu.Lock()
	audio := make([]rtime.Time, 0, len(p.audioFrames))
	for s := range p.audioFrames {
		audio = append(audio, rtime.New(float64(s), 1))
	}
	p.audioMu.Unlock()

	p.cacheInfo.SetIfChanged(CacheInfo{
		Percentage: p.ec.Cache.Percentage(),
		Video:      rtime.ToRanges(video),
		Audio:      rtime.ToRanges(audio),
		VideoBytes: videoBytes,
	})
}
