// Package timeline turns a composition into decoded, composited frames.
//
// Callers enqueue requests with GetVideo and GetAudio and receive futures.
// A single worker goroutine per Timeline starts queued requests in order,
// resolves which clips are active, fans out one decode task per layer and
// settles each request once all of its layers are back. Requests may
// complete out of order; key results by time, not by completion.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/engine"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediaio"
	"github.com/zsiec/loupe/rtime"
)

// ErrClosed is returned for work attempted after Close.
var ErrClosed = errors.New("timeline: closed")

// Defaults for Options.
const (
	DefaultRequestMax  = 16
	DefaultLogInterval = 10 * time.Second
)

// Options tunes a Timeline. Zero values pick defaults.
type Options struct {
	// VideoRequestMax and AudioRequestMax bound requests in flight per kind.
	VideoRequestMax int
	AudioRequestMax int
	ReaderPoolSize  int
	// Resolver maps clip references to sources. Defaults to a PathResolver
	// rooted at the working directory.
	Resolver mediaio.RefResolver
	// IOOptions are passed to every reader at open time.
	IOOptions   media.Options
	LogInterval time.Duration
	// WaitTimeout is the worker's bounded wait between cycles.
	WaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.VideoRequestMax <= 0 {
		o.VideoRequestMax = DefaultRequestMax
	}
	if o.AudioRequestMax <= 0 {
		o.AudioRequestMax = DefaultRequestMax
	}
	if o.ReaderPoolSize <= 0 {
		o.ReaderPoolSize = DefaultReaderPoolSize
	}
	if o.Resolver == nil {
		o.Resolver = mediaio.PathResolver{}
	}
	if o.LogInterval <= 0 {
		o.LogInterval = DefaultLogInterval
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = async.DefaultTimeout
	}
	o.IOOptions = o.IOOptions.Clone()
	return o
}

// Timeline schedules decode work for one composition.
type Timeline struct {
	log      *slog.Logger
	ec       *engine.Context
	comp     *composition.Composition
	resolver *composition.Resolver
	opts     Options
	pool     *readerPool
	ioInfo   media.Info

	ctx    context.Context
	cancel context.CancelFunc
	loop   *async.Loop
	tasks  sync.WaitGroup
	nextID atomic.Uint64

	mu         sync.Mutex
	closing    bool
	videoQueue []*videoRequest
	audioQueue []*audioRequest

	videoInFlightN atomic.Int32
	audioInFlightN atomic.Int32

	// Worker-owned.
	videoInFlight []*videoRequest
	audioInFlight []*audioRequest
	logTimer      time.Time

	closeOnce sync.Once
}

// New validates comp, probes reader info from its first video and audio
// clips, and starts the worker. ctx bounds only the probe.
func New(ctx context.Context, ec *engine.Context, comp *composition.Composition, opts Options) (*Timeline, error) {
	if ec == nil {
		return nil, errors.New("timeline: nil engine context")
	}
	if comp == nil {
		return nil, fmt.Errorf("%w: nil composition", composition.ErrInvalidComposition)
	}
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	log := ec.Log.With("component", "timeline", "composition", comp.Name)
	lifetime, cancel := context.WithCancel(context.Background())
	t := &Timeline{
		log:      log,
		ec:       ec,
		comp:     comp,
		resolver: composition.NewResolver(comp),
		opts:     opts,
		pool:     newReaderPool(log, ec.Registry, opts.Resolver, opts.IOOptions, opts.ReaderPoolSize, ec.Metrics),
		ctx:      lifetime,
		cancel:   cancel,
		loop:     async.NewLoop(opts.WaitTimeout),
		logTimer: time.Now(),
	}
	t.ioInfo = t.probe(ctx)
	t.loop.Start(t.cycle, t.finish)

	log.Info("timeline created",
		"range", t.resolver.TimeRange().String(),
		"video", t.ioInfo.HasVideo(),
		"audio", t.ioInfo.HasAudio())
	return t, nil
}

// probe reads info from the first video and first audio clip. Failures
// leave the corresponding half empty.
func (t *Timeline) probe(ctx context.Context) media.Info {
	rng := t.resolver.TimeRange()
	info := media.Info{VideoTime: rng, AudioTime: rng}
	if clip := t.comp.FirstClip(composition.KindVideo); clip != nil {
		if ci, err := t.clipInfo(ctx, clip); err != nil {
			t.log.Warn("probing video clip", "clip", clip.Name, "error", err)
		} else {
			info.Video = ci.Video
			info.Tags = ci.Tags
		}
	}
	if clip := t.comp.FirstClip(composition.KindAudio); clip != nil {
		if ci, err := t.clipInfo(ctx, clip); err != nil {
			t.log.Warn("probing audio clip", "clip", clip.Name, "error", err)
		} else {
			info.Audio = ci.Audio
		}
	}
	return info
}

func (t *Timeline) clipInfo(ctx context.Context, clip *composition.Clip) (media.Info, error) {
	e, err := t.pool.acquire(clip.Ref)
	if err != nil {
		return media.Info{}, err
	}
	defer t.pool.release(e)
	return e.mediaInfo(ctx)
}

// Composition returns the composition being played.
func (t *Timeline) Composition() *composition.Composition { return t.comp }

// Options returns the effective options.
func (t *Timeline) Options() Options { return t.opts }

// TimeRange returns the composition's global range.
func (t *Timeline) TimeRange() rtime.Range { return t.resolver.TimeRange() }

// Duration returns the length of TimeRange.
func (t *Timeline) Duration() rtime.Time { return t.resolver.TimeRange().Duration }

// IOInfo describes the media probed at construction.
func (t *Timeline) IOInfo() media.Info { return t.ioInfo }

// GetVideo enqueues a composited video read at global time tm. After Close
// the request resolves empty immediately.
func (t *Timeline) GetVideo(tm rtime.Time, opts media.Options) VideoRequest {
	req := &videoRequest{
		id:      t.nextID.Add(1),
		time:    tm,
		opts:    media.Merge(t.opts.IOOptions, opts),
		promise: async.NewPromise[VideoFrame](),
	}
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		req.promise.Resolve(VideoFrame{Time: tm})
		return req.handle()
	}
	t.videoQueue = append(t.videoQueue, req)
	t.mu.Unlock()
	t.ec.Metrics.AddQueued(kindVideo, 1)
	t.loop.Signal()
	return req.handle()
}

// GetAudio enqueues a read of the one-second chunk starting at the given
// whole second of global time.
func (t *Timeline) GetAudio(seconds int64, opts media.Options) AudioRequest {
	req := &audioRequest{
		id:      t.nextID.Add(1),
		seconds: seconds,
		opts:    media.Merge(t.opts.IOOptions, opts),
		promise: async.NewPromise[AudioFrame](),
	}
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		req.promise.Resolve(AudioFrame{Seconds: seconds})
		return req.handle()
	}
	t.audioQueue = append(t.audioQueue, req)
	t.mu.Unlock()
	t.ec.Metrics.AddQueued(kindAudio, 1)
	t.loop.Signal()
	return req.handle()
}

// CancelRequests removes queued requests whose IDs are listed and resolves
// them empty. Started, completed and unknown IDs are ignored.
func (t *Timeline) CancelRequests(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	var videos []*videoRequest
	var audios []*audioRequest
	t.mu.Lock()
	t.videoQueue, videos = splitVideo(t.videoQueue, set)
	t.audioQueue, audios = splitAudio(t.audioQueue, set)
	t.mu.Unlock()

	for _, req := range videos {
		req.promise.Resolve(VideoFrame{Time: req.time})
	}
	for _, req := range audios {
		req.promise.Resolve(AudioFrame{Seconds: req.seconds})
	}
	t.ec.Metrics.AddQueued(kindVideo, -len(videos))
	t.ec.Metrics.AddQueued(kindAudio, -len(audios))
	t.ec.Metrics.AddCanceled(kindVideo, len(videos))
	t.ec.Metrics.AddCanceled(kindAudio, len(audios))
}

func splitVideo(queue []*videoRequest, ids map[uint64]struct{}) (kept, removed []*videoRequest) {
	kept = queue[:0]
	for _, req := range queue {
		if _, ok := ids[req.id]; ok {
			removed = append(removed, req)
			continue
		}
		kept = append(kept, req)
	}
	clear(queue[len(kept):])
	return kept, removed
}

func splitAudio(queue []*audioRequest, ids map[uint64]struct{}) (kept, removed []*audioRequest) {
	kept = queue[:0]
	for _, req := range queue {
		if _, ok := ids[req.id]; ok {
			removed = append(removed, req)
			continue
		}
		kept = append(kept, req)
	}
	clear(queue[len(kept):])
	return kept, removed
}

// Stats returns a snapshot of queue depths.
func (t *Timeline) Stats() Stats {
	t.mu.Lock()
	s := Stats{VideoQueued: len(t.videoQueue), AudioQueued: len(t.audioQueue)}
	t.mu.Unlock()
	s.VideoInFlight = int(t.videoInFlightN.Load())
	s.AudioInFlight = int(t.audioInFlightN.Load())
	s.Readers = t.pool.size()
	return s
}

// Close stops the worker and resolves every outstanding request empty
// before returning. Pooled readers are canceled and closed. Close is
// idempotent.
func (t *Timeline) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()

		t.cancel()
		t.pool.cancel()
		t.loop.Stop()
		t.tasks.Wait()
		t.pool.close()
		t.log.Info("timeline closed")
	})
	return nil
}
