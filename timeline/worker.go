package timeline

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/internal/metrics"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediacache"
	"github.com/zsiec/loupe/rtime"
)

const (
	kindVideo = metrics.KindVideo
	kindAudio = metrics.KindAudio
)

type videoLayerTask struct {
	layer composition.VideoLayer
	a, b  *async.Future[*media.Image]
}

type videoRequest struct {
	id      uint64
	time    rtime.Time
	opts    media.Options
	promise *async.Promise[VideoFrame]
	layers  []videoLayerTask
}

func (r *videoRequest) handle() VideoRequest {
	return VideoRequest{ID: r.id, Future: r.promise.Future()}
}

func (r *videoRequest) ready() bool {
	for _, l := range r.layers {
		if (l.a != nil && !l.a.Ready()) || (l.b != nil && !l.b.Ready()) {
			return false
		}
	}
	return true
}

type audioLayerTask struct {
	layer composition.AudioLayer
	f     *async.Future[*media.Audio]
}

type audioRequest struct {
	id      uint64
	seconds int64
	opts    media.Options
	promise *async.Promise[AudioFrame]
	layers  []audioLayerTask
}

func (r *audioRequest) handle() AudioRequest {
	return AudioRequest{ID: r.id, Future: r.promise.Future()}
}

func (r *audioRequest) ready() bool {
	for _, l := range r.layers {
		if !l.f.Ready() {
			return false
		}
	}
	return true
}

func (r *audioRequest) window() rtime.Range {
	return rtime.NewRange(rtime.New(float64(r.seconds), 1), rtime.New(1, 1))
}

func (t *Timeline) cycle() {
	t.mu.Lock()
	var videos []*videoRequest
	for len(t.videoQueue) > 0 && len(t.videoInFlight)+len(videos) < t.opts.VideoRequestMax {
		videos = append(videos, t.videoQueue[0])
		t.videoQueue[0] = nil
		t.videoQueue = t.videoQueue[1:]
	}
	var audios []*audioRequest
	for len(t.audioQueue) > 0 && len(t.audioInFlight)+len(audios) < t.opts.AudioRequestMax {
		audios = append(audios, t.audioQueue[0])
		t.audioQueue[0] = nil
		t.audioQueue = t.audioQueue[1:]
	}
	t.mu.Unlock()

	for _, req := range videos {
		t.startVideo(req)
	}
	for _, req := range audios {
		t.startAudio(req)
	}
	t.moveInFlight(kindVideo, len(videos))
	t.moveInFlight(kindAudio, len(audios))

	kept := t.videoInFlight[:0]
	done := 0
	for _, req := range t.videoInFlight {
		if !req.ready() {
			kept = append(kept, req)
			continue
		}
		req.promise.Resolve(t.compositeVideo(req))
		done++
	}
	clear(t.videoInFlight[len(kept):])
	t.videoInFlight = kept
	t.settleInFlight(kindVideo, done)

	keptAudio := t.audioInFlight[:0]
	done = 0
	for _, req := range t.audioInFlight {
		if !req.ready() {
			keptAudio = append(keptAudio, req)
			continue
		}
		req.promise.Resolve(t.mixAudio(req))
		done++
	}
	clear(t.audioInFlight[len(keptAudio):])
	t.audioInFlight = keptAudio
	t.settleInFlight(kindAudio, done)

	if time.Since(t.logTimer) > t.opts.LogInterval {
		t.logTimer = time.Now()
		s := t.Stats()
		t.log.Debug("timeline queue",
			"videoQueued", s.VideoQueued,
			"videoInFlight", s.VideoInFlight,
			"audioQueued", s.AudioQueued,
			"audioInFlight", s.AudioInFlight,
			"readers", s.Readers)
	}
}

func (t *Timeline) moveInFlight(kind string, n int) {
	if n == 0 {
		return
	}
	if kind == kindVideo {
		t.videoInFlightN.Add(int32(n))
	} else {
		t.audioInFlightN.Add(int32(n))
	}
	t.ec.Metrics.AddQueued(kind, -n)
	t.ec.Metrics.AddInFlight(kind, n)
}

func (t *Timeline) settleInFlight(kind string, n int) {
	if n == 0 {
		return
	}
	if kind == kindVideo {
		t.videoInFlightN.Add(-int32(n))
	} else {
		t.audioInFlightN.Add(-int32(n))
	}
	t.ec.Metrics.AddInFlight(kind, -n)
}

// finish runs on the worker after Stop. Everything still queued or in
// flight resolves empty.
func (t *Timeline) finish() {
	t.mu.Lock()
	videos := t.videoQueue
	audios := t.audioQueue
	t.videoQueue = nil
	t.audioQueue = nil
	t.mu.Unlock()

	for _, req := range videos {
		req.promise.Resolve(VideoFrame{Time: req.time})
	}
	for _, req := range audios {
		req.promise.Resolve(AudioFrame{Seconds: req.seconds})
	}
	t.ec.Metrics.AddQueued(kindVideo, -len(videos))
	t.ec.Metrics.AddQueued(kindAudio, -len(audios))

	for _, req := range t.videoInFlight {
		req.promise.Resolve(VideoFrame{Time: req.time})
	}
	for _, req := range t.audioInFlight {
		req.promise.Resolve(AudioFrame{Seconds: req.seconds})
	}
	t.settleInFlight(kindVideo, len(t.videoInFlight))
	t.settleInFlight(kindAudio, len(t.audioInFlight))
	t.videoInFlight = nil
	t.audioInFlight = nil
}

func (t *Timeline) startVideo(req *videoRequest) {
	for _, l := range t.resolver.Video(req.time) {
		task := videoLayerTask{layer: l}
		if l.Clip != nil {
			task.a = t.spawnVideo(l.Clip, l.Time, req.opts)
		}
		if l.ClipB != nil {
			task.b = t.spawnVideo(l.ClipB, l.TimeB, req.opts)
		}
		req.layers = append(req.layers, task)
	}
	t.videoInFlight = append(t.videoInFlight, req)
}

func (t *Timeline) startAudio(req *audioRequest) {
	for _, l := range t.resolver.Audio(req.window()) {
		req.layers = append(req.layers, audioLayerTask{
			layer: l,
			f:     t.spawnAudio(l, req.opts),
		})
	}
	t.audioInFlight = append(t.audioInFlight, req)
}

func (t *Timeline) spawnVideo(clip *composition.Clip, mt rtime.Time, opts media.Options) *async.Future[*media.Image] {
	t.tasks.Add(1)
	return async.Go(func() (*media.Image, error) {
		defer t.tasks.Done()
		return t.decodeVideo(clip, mt, opts)
	})
}

func (t *Timeline) spawnAudio(l composition.AudioLayer, opts media.Options) *async.Future[*media.Audio] {
	t.tasks.Add(1)
	return async.Go(func() (*media.Audio, error) {
		defer t.tasks.Done()
		return t.decodeAudio(l, opts)
	})
}

// readFailed logs and counts a failed layer read. Shutdown cancellation is
// not a failure.
func (t *Timeline) readFailed(kind string, clip *composition.Clip, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return
	}
	t.ec.Metrics.IncDecode(kind, metrics.ResultError)
	t.log.Warn("layer read failed", "kind", kind, "clip", clip.Name, "error", err)
}

// submit hands one read to e's reader under an engine decode slot. The
// slot is released as soon as the reader returns its future, so waiting on
// a slow source holds no slot.
func submit[T any](t *Timeline, e *poolEntry, read func() *async.Future[T]) (*async.Future[T], error) {
	if err := t.ec.AcquireDecode(t.ctx); err != nil {
		return nil, err
	}
	defer t.ec.ReleaseDecode()
	e.mu.Lock()
	defer e.mu.Unlock()
	return read(), nil
}

func (t *Timeline) decodeVideo(clip *composition.Clip, mt rtime.Time, opts media.Options) (*media.Image, error) {
	key := mediacache.VideoKey(sourceID(clip.Ref), mt, opts)
	if img, ok := t.ec.Cache.GetVideo(key); ok {
		t.ec.Metrics.IncDecode(kindVideo, metrics.ResultCached)
		return img, nil
	}

	e, err := t.pool.acquire(clip.Ref)
	if err != nil {
		t.readFailed(kindVideo, clip, err)
		return nil, err
	}
	defer t.pool.release(e)

	f, err := submit(t, e, func() *async.Future[media.VideoData] { return e.reader.ReadVideo(mt, opts) })
	if err != nil {
		return nil, err
	}
	data, err := f.Wait(t.ctx)
	if err != nil {
		t.readFailed(kindVideo, clip, err)
		return nil, err
	}
	if data.Image == nil {
		t.ec.Metrics.IncDecode(kindVideo, metrics.ResultEmpty)
		return nil, nil
	}
	t.ec.Cache.AddVideo(key, data.Image)
	t.ec.Metrics.IncDecode(kindVideo, metrics.ResultOK)
	return data.Image, nil
}

func (t *Timeline) decodeAudio(l composition.AudioLayer, opts media.Options) (*media.Audio, error) {
	e, err := t.pool.acquire(l.Clip.Ref)
	if err != nil {
		t.readFailed(kindAudio, l.Clip, err)
		return nil, err
	}
	defer t.pool.release(e)

	info, err := e.mediaInfo(t.ctx)
	if err != nil {
		t.readFailed(kindAudio, l.Clip, err)
		return nil, err
	}
	if !info.HasAudio() {
		t.ec.Metrics.IncDecode(kindAudio, metrics.ResultEmpty)
		return nil, nil
	}

	sr := float64(info.Audio.SampleRate)
	rng := rtime.NewRange(l.MediaRange.Start.Rescale(sr).Round(), l.MediaRange.Duration.Rescale(sr).Round())
	key := mediacache.AudioKey(e.id, rng, opts)
	if a, ok := t.ec.Cache.GetAudio(key); ok {
		t.ec.Metrics.IncDecode(kindAudio, metrics.ResultCached)
		return a, nil
	}

	f, err := submit(t, e, func() *async.Future[media.AudioData] { return e.reader.ReadAudio(rng, opts) })
	if err != nil {
		return nil, err
	}
	data, err := f.Wait(t.ctx)
	if err != nil {
		t.readFailed(kindAudio, l.Clip, err)
		return nil, err
	}
	if data.Audio == nil {
		t.ec.Metrics.IncDecode(kindAudio, metrics.ResultEmpty)
		return nil, nil
	}
	t.ec.Cache.AddAudio(key, data.Audio)
	t.ec.Metrics.IncDecode(kindAudio, metrics.ResultOK)
	return data.Audio, nil
}

// compositeVideo blends transition layers. A failed side contributes
// nothing and the other side is shown as is.
func (t *Timeline) compositeVideo(req *videoRequest) VideoFrame {
	out := VideoFrame{Time: req.time, Layers: make([]VideoLayer, 0, len(req.layers))}
	for _, task := range req.layers {
		a := settledImage(task.a)
		layer := VideoLayer{Track: task.layer.Track, Image: a}
		if task.layer.Transition != composition.TransitionNone {
			layer.Transition = task.layer.Transition
			layer.TransitionValue = task.layer.Blend
			layer.Image = media.Blend(a, settledImage(task.b), task.layer.Blend)
		}
		out.Layers = append(out.Layers, layer)
	}
	return out
}

func settledImage(f *async.Future[*media.Image]) *media.Image {
	if f == nil {
		return nil
	}
	img, err := f.Result()
	if err != nil {
		return nil
	}
	return img
}

// mixAudio converts each layer to the timeline's audio layout, places it
// within the second it covers and sums the layers.
func (t *Timeline) mixAudio(req *audioRequest) AudioFrame {
	out := AudioFrame{Seconds: req.seconds}
	target := t.ioInfo.Audio
	window := req.window()
	var mix []*media.Audio
	for _, task := range req.layers {
		a, err := task.f.Result()
		if err != nil || a == nil {
			continue
		}
		if !target.IsValid() {
			target = a.Info
		}
		if a.Info != target {
			a = media.NewResampler(a.Info, target).Process(a)
		}
		offset := int(math.Round(task.layer.Range.Start.Sub(window.Start).Seconds() * float64(target.SampleRate)))
		padded := media.Pad(a, target, offset, target.SampleRate)
		out.Layers = append(out.Layers, AudioLayer{Track: task.layer.Track, Audio: padded})
		mix = append(mix, padded)
	}
	out.Audio = media.Mix(mix, 1, nil)
	return out
}
