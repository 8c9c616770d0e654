// Package engine holds the state shared by every timeline and player in a
// process: the logger, the plugin registry, the decoded-media cache, the
// metrics and the global decode limiter. It is passed explicitly; there are
// no package-level singletons.
package engine

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/zsiec/loupe/internal/metrics"
	"github.com/zsiec/loupe/mediacache"
	"github.com/zsiec/loupe/mediaio"
)

// Options configures a Context. Zero values pick defaults.
type Options struct {
	Log     *slog.Logger
	Plugins []mediaio.Plugin
	// CacheBytes is the decoded-media cache budget.
	CacheBytes int64
	// DecodeLimit bounds concurrent read submissions across all
	// timelines. A slot is held only while a reader accepts a request, not
	// while the request decodes. Defaults to 4x GOMAXPROCS.
	DecodeLimit int64
	Metrics     *metrics.Metrics
}

// Context is the explicit process-wide state. It is safe for concurrent use.
type Context struct {
	Log      *slog.Logger
	Registry *mediaio.Registry
	Cache    *mediacache.Cache
	Metrics  *metrics.Metrics

	decodeLimit int64
	decodes     *semaphore.Weighted
}

// New builds a Context.
func New(opts Options) *Context {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	limit := opts.DecodeLimit
	if limit <= 0 {
		limit = int64(4 * runtime.GOMAXPROCS(0))
	}
	c := &Context{
		Log:         log,
		Registry:    mediaio.NewRegistry(log, opts.Plugins...),
		Cache:       mediacache.New(opts.CacheBytes),
		Metrics:     opts.Metrics,
		decodeLimit: limit,
		decodes:     semaphore.NewWeighted(limit),
	}
	log.Info("engine ready",
		"plugins", len(opts.Plugins),
		"cacheBytes", c.Cache.Max(),
		"decodeLimit", limit)
	return c
}

// DecodeLimit returns the number of concurrent read submissions allowed.
func (c *Context) DecodeLimit() int64 { return c.decodeLimit }

// AcquireDecode blocks until a decode slot is free or ctx is done.
func (c *Context) AcquireDecode(ctx context.Context) error {
	return c.decodes.Acquire(ctx, 1)
}

// ReleaseDecode frees a slot taken by AcquireDecode.
func (c *Context) ReleaseDecode() {
	c.decodes.Release(1)
}

// PublishCacheStats copies cache statistics into the metrics gauges.
func (c *Context) PublishCacheStats() {
	s := c.Cache.Stats()
	c.Metrics.SetCache(metrics.CacheSnapshot{
		MaxBytes:     s.MaxBytes,
		VideoBytes:   s.VideoBytes,
		AudioBytes:   s.AudioBytes,
		VideoEntries: s.VideoEntries,
		AudioEntries: s.AudioEntries,
		Hits:         s.Hits,
		Misses:       s.Misses,
	})
}
