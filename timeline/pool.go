package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/internal/lru"
	"github.com/zsiec/loupe/internal/metrics"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediaio"
)

// DefaultReaderPoolSize bounds the number of open readers per timeline.
const DefaultReaderPoolSize = 16

// openAttempts bounds retries when an entry is evicted between its open
// and the caller taking a reference.
const openAttempts = 3

// poolEntry is one open reader. The pool holds one reference while the
// entry is resident; each dispatch holds another until its read settles.
type poolEntry struct {
	key    string
	id     string
	reader mediaio.Reader

	// mu serializes submissions into reader.
	mu sync.Mutex

	infoMu     sync.Mutex
	info       media.Info
	infoLoaded bool

	// Guarded by readerPool.mu.
	refs    int
	evicted bool
	closed  bool
}

// mediaInfo loads the reader info once and remembers it.
func (e *poolEntry) mediaInfo(ctx context.Context) (media.Info, error) {
	e.infoMu.Lock()
	defer e.infoMu.Unlock()
	if e.infoLoaded {
		return e.info, nil
	}
	e.mu.Lock()
	f := e.reader.Info()
	e.mu.Unlock()
	info, err := f.Wait(ctx)
	if err != nil {
		return media.Info{}, err
	}
	e.info = info
	e.infoLoaded = true
	return info, nil
}

type readerPool struct {
	log      *slog.Logger
	registry *mediaio.Registry
	resolver mediaio.RefResolver
	opts     media.Options
	metrics  *metrics.Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries *lru.Cache[string, *poolEntry]
	closed  bool
}

func newReaderPool(log *slog.Logger, reg *mediaio.Registry, res mediaio.RefResolver, opts media.Options, size int, m *metrics.Metrics) *readerPool {
	if size <= 0 {
		size = DefaultReaderPoolSize
	}
	return &readerPool{
		log:      log,
		registry: reg,
		resolver: res,
		opts:     opts,
		metrics:  m,
		entries:  lru.New[string, *poolEntry](int64(size)),
	}
}

// sourceID names a media reference for cache keys. In-memory references
// also carry the address of their data so distinct buffers never collide.
func sourceID(ref composition.MediaRef) string {
	if ref.IsMemory() {
		return fmt.Sprintf("%s@%p", ref.URL, ref.Memory)
	}
	return ref.URL
}

// clipSignature keys a pool entry by reference and reader options.
func clipSignature(ref composition.MediaRef, opts media.Options) string {
	return sourceID(ref) + "|" + opts.Signature()
}

// acquire returns an entry for ref with a reference held by the caller.
// Concurrent acquires of one signature share a single open.
func (p *readerPool) acquire(ref composition.MediaRef) (*poolEntry, error) {
	key := clipSignature(ref, p.opts)
	for range openAttempts {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := p.entries.Get(key); ok {
			e.refs++
			p.mu.Unlock()
			return e, nil
		}
		p.mu.Unlock()

		v, err, _ := p.group.Do(key, func() (interface{}, error) {
			return p.open(key, ref)
		})
		if err != nil {
			return nil, err
		}
		e := v.(*poolEntry)

		p.mu.Lock()
		if !e.closed {
			e.refs++
			p.mu.Unlock()
			return e, nil
		}
		p.mu.Unlock()
	}
	return nil, fmt.Errorf("reader for %q evicted while opening", sourceID(ref))
}

func (p *readerPool) open(key string, ref composition.MediaRef) (*poolEntry, error) {
	src, err := p.resolver.Resolve(ref)
	if err != nil {
		p.metrics.IncReaderOpen(false)
		return nil, err
	}
	rd, err := p.registry.Open(src, p.opts)
	if err != nil {
		p.metrics.IncReaderOpen(false)
		return nil, err
	}
	p.metrics.IncReaderOpen(true)
	p.metrics.AddReadersOpen(1)
	e := &poolEntry{key: key, id: sourceID(ref), reader: rd}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeEntry(e)
		return nil, ErrClosed
	}
	evicted := p.entries.Add(key, e, 1)
	var toClose []*poolEntry
	for _, ev := range evicted {
		old := ev.Value
		old.evicted = true
		if old.refs == 0 {
			old.closed = true
			toClose = append(toClose, old)
		}
	}
	p.mu.Unlock()

	for _, ev := range toClose {
		p.log.Debug("reader evicted", "source", ev.id)
		p.closeEntry(ev)
	}
	p.log.Debug("reader opened", "source", e.id, "plugin", src.Ext())
	return e, nil
}

// release drops the caller's reference. Evicted entries close with their
// last reference.
func (p *readerPool) release(e *poolEntry) {
	p.mu.Lock()
	e.refs--
	closeNow := e.evicted && e.refs == 0 && !e.closed
	if closeNow {
		e.closed = true
	}
	p.mu.Unlock()
	if closeNow {
		p.closeEntry(e)
	}
}

func (p *readerPool) closeEntry(e *poolEntry) {
	e.reader.CancelRequests()
	if err := e.reader.Close(); err != nil {
		p.log.Warn("closing reader", "source", e.id, "error", err)
	}
	p.metrics.AddReadersOpen(-1)
}

// cancel settles every queued read on every resident reader.
func (p *readerPool) cancel() {
	p.mu.Lock()
	var entries []*poolEntry
	for _, k := range p.entries.Keys() {
		if e, ok := p.entries.Peek(k); ok {
			entries = append(entries, e)
		}
	}
	p.mu.Unlock()
	for _, e := range entries {
		e.reader.CancelRequests()
	}
}

// size returns the number of resident readers.
func (p *readerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Len()
}

// close evicts everything. Entries still referenced close on release.
func (p *readerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var toClose []*poolEntry
	for _, ev := range p.entries.Clear() {
		e := ev.Value
		e.evicted = true
		if e.refs == 0 {
			e.closed = true
			toClose = append(toClose, e)
		}
	}
	p.mu.Unlock()
	for _, e := range toClose {
		p.closeEntry(e)
	}
}
