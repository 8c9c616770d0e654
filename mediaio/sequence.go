package mediaio

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
)

// Sequence reader option keys.
const (
	OptionThreadCount  = "SequenceIO/ThreadCount"
	OptionDefaultSpeed = "SequenceIO/DefaultSpeed"
)

// Sequence reader defaults.
const (
	DefaultThreadCount  = 16
	DefaultSpeed        = 24.0
	sequenceLogInterval = 10 * time.Second
)

// Frame is one still image's bytes: a file path or an in-memory span.
type Frame struct {
	Path   string
	Memory []byte
}

// FrameDecoder decodes still images for a SequenceReader. Both calls may
// run concurrently on different goroutines.
type FrameDecoder interface {
	DecodeInfo(f Frame) (media.ImageInfo, map[string]string, error)
	DecodeFrame(f Frame, opts media.Options) (*media.Image, error)
}

type videoRequest struct {
	time    rtime.Time
	opts    media.Options
	promise *async.Promise[media.VideoData]
	result  *async.Future[media.VideoData]
}

// SequenceReader is the shared harness for still-image backends. A single
// worker goroutine accepts requests, keeps at most ThreadCount decodes in
// flight, and settles each request when its decode completes.
type SequenceReader struct {
	log         *slog.Logger
	src         Source
	dec         FrameDecoder
	opts        media.Options
	threadCount int
	speed       float64
	startFrame  int64
	endFrame    int64

	loop *async.Loop

	mu        sync.Mutex
	stopped   bool
	infoReqs  []*async.Promise[media.Info]
	videoReqs []*videoRequest

	// Worker-owned.
	info       media.Info
	infoDone   bool
	inProgress []*videoRequest
	logTimer   time.Time
}

var _ Reader = (*SequenceReader)(nil)

// NewSequenceReader starts a reader over src. In-memory sources with more
// than one span are sequences starting at src.StartFrame; anything else is
// a still that answers every time with the same image.
func NewSequenceReader(src Source, dec FrameDecoder, opts media.Options, log *slog.Logger) *SequenceReader {
	if log == nil {
		log = slog.Default()
	}
	r := &SequenceReader{
		log:         log.With("component", "sequence-reader", "source", src.ID()),
		src:         src,
		dec:         dec,
		opts:        opts.Clone(),
		threadCount: DefaultThreadCount,
		speed:       DefaultSpeed,
		startFrame:  src.StartFrame,
		endFrame:    src.StartFrame,
		loop:        async.NewLoop(async.DefaultTimeout),
	}
	if n, err := strconv.Atoi(opts[OptionThreadCount]); err == nil && n > 0 {
		r.threadCount = n
	}
	if f, err := strconv.ParseFloat(opts[OptionDefaultSpeed], 64); err == nil && f > 0 {
		r.speed = f
	}
	if len(src.Memory) > 1 {
		r.endFrame = r.startFrame + int64(len(src.Memory)) - 1
	}
	r.logTimer = time.Now()
	r.loop.Start(r.cycle, r.finish)
	return r
}

// Info implements Reader.
func (r *SequenceReader) Info() *async.Future[media.Info] {
	p := async.NewPromise[media.Info]()
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		p.Resolve(media.Info{})
		return p.Future()
	}
	r.infoReqs = append(r.infoReqs, p)
	r.mu.Unlock()
	r.loop.Signal()
	return p.Future()
}

// ReadVideo implements Reader.
func (r *SequenceReader) ReadVideo(t rtime.Time, opts media.Options) *async.Future[media.VideoData] {
	req := &videoRequest{
		time:    t,
		opts:    media.Merge(opts, r.opts),
		promise: async.NewPromise[media.VideoData](),
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		req.promise.Resolve(media.VideoData{Time: t})
		return req.promise.Future()
	}
	r.videoReqs = append(r.videoReqs, req)
	r.mu.Unlock()
	r.loop.Signal()
	return req.promise.Future()
}

// ReadAudio implements Reader. Still images carry no audio.
func (r *SequenceReader) ReadAudio(rng rtime.Range, _ media.Options) *async.Future[media.AudioData] {
	return async.Resolved(media.AudioData{Time: rng.Start})
}

// CancelRequests implements Reader.
func (r *SequenceReader) CancelRequests() {
	r.mu.Lock()
	infos := r.infoReqs
	videos := r.videoReqs
	r.infoReqs = nil
	r.videoReqs = nil
	r.mu.Unlock()

	for _, p := range infos {
		p.Resolve(media.Info{})
	}
	for _, req := range videos {
		req.promise.Resolve(media.VideoData{Time: req.time})
	}
}

// Close stops the worker after settling every request.
func (r *SequenceReader) Close() error {
	r.loop.Stop()
	return nil
}

func (r *SequenceReader) frame(t rtime.Time) Frame {
	if len(r.src.Memory) == 0 {
		return Frame{Path: r.src.Path}
	}
	if len(r.src.Memory) == 1 {
		return Frame{Path: r.src.Path, Memory: r.src.Memory[0]}
	}
	i := t.Rescale(r.speed).Frame() - r.startFrame
	if i < 0 || i >= int64(len(r.src.Memory)) {
		return Frame{}
	}
	return Frame{Memory: r.src.Memory[i]}
}

func (r *SequenceReader) loadInfo() {
	r.infoDone = true
	img, tags, err := r.dec.DecodeInfo(r.frame(rtime.New(float64(r.startFrame), r.speed)))
	if err != nil {
		r.log.Error("reading info", "error", err)
		return
	}
	r.info = media.Info{
		Video: []media.ImageInfo{img},
		VideoTime: rtime.RangeFromStartEndInclusive(
			rtime.New(float64(r.startFrame), r.speed),
			rtime.New(float64(r.endFrame), r.speed)),
		Tags: tags,
	}
}

func (r *SequenceReader) cycle() {
	if !r.infoDone {
		r.loadInfo()
	}

	r.mu.Lock()
	infos := r.infoReqs
	r.infoReqs = nil
	var started []*videoRequest
	for len(r.videoReqs) > 0 && len(r.inProgress)+len(started) < r.threadCount {
		started = append(started, r.videoReqs[0])
		r.videoReqs = r.videoReqs[1:]
	}
	r.mu.Unlock()

	for _, p := range infos {
		p.Resolve(r.info)
	}

	for _, req := range started {
		f := r.frame(req.time)
		req.result = async.Go(func() (media.VideoData, error) {
			img, err := r.dec.DecodeFrame(f, req.opts)
			if err != nil {
				return media.VideoData{}, err
			}
			return media.VideoData{Time: req.time, Image: img}, nil
		})
		r.inProgress = append(r.inProgress, req)
	}

	kept := r.inProgress[:0]
	for _, req := range r.inProgress {
		if !req.result.Ready() {
			kept = append(kept, req)
			continue
		}
		r.settle(req)
	}
	r.inProgress = kept

	if time.Since(r.logTimer) > sequenceLogInterval {
		r.logTimer = time.Now()
		r.mu.Lock()
		pending := len(r.videoReqs)
		r.mu.Unlock()
		r.log.Debug("sequence reader queue",
			"requests", pending,
			"inProgress", len(r.inProgress),
			"threadCount", r.threadCount)
	}
}

func (r *SequenceReader) settle(req *videoRequest) {
	data, err := req.result.Result()
	if err != nil {
		r.log.Warn("decode failed", "time", req.time, "error", err)
		data = media.VideoData{Time: req.time}
	}
	req.promise.Resolve(data)
}

// finish runs on the worker after Stop: in-flight decodes complete, then
// anything still queued is settled empty.
func (r *SequenceReader) finish() {
	for _, req := range r.inProgress {
		<-req.result.Done()
		r.settle(req)
	}
	r.inProgress = nil

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.CancelRequests()
}
