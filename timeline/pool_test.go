package timeline

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/mediaio"
)

func newPool(p *fakePlugin, size int) *readerPool {
	reg := mediaio.NewRegistry(nil, p)
	return newReaderPool(slog.Default(), reg, mediaio.PathResolver{}, nil, size, nil)
}

func TestPoolSharesConcurrentOpens(t *testing.T) {
	t.Parallel()

	p := &fakePlugin{}
	pool := newPool(p, 4)
	ref := composition.MediaRef{URL: "shared.fake"}

	var wg sync.WaitGroup
	entries := make([]*poolEntry, 32)
	for i := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := pool.acquire(ref)
			if err != nil {
				t.Error(err)
				return
			}
			entries[i] = e
		}()
	}
	wg.Wait()

	if got := p.opens.Load(); got != 1 {
		t.Errorf("opens: got %d, want 1", got)
	}
	for _, e := range entries {
		if e != nil {
			pool.release(e)
		}
	}
	pool.close()
	if got := p.closes.Load(); got != 1 {
		t.Errorf("closes: got %d, want 1", got)
	}
}

func TestPoolClosesEvictedEntryOnLastRelease(t *testing.T) {
	t.Parallel()

	p := &fakePlugin{}
	pool := newPool(p, 1)

	a, err := pool.acquire(composition.MediaRef{URL: "a.fake"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.acquire(composition.MediaRef{URL: "b.fake"})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.closes.Load(); got != 0 {
		t.Fatalf("an entry in use must not close on eviction, closes=%d", got)
	}
	pool.release(a)
	if got := p.closes.Load(); got != 1 {
		t.Errorf("closes after release: got %d, want 1", got)
	}
	pool.release(b)
	pool.close()
	if got := p.closes.Load(); got != 2 {
		t.Errorf("closes after pool close: got %d, want 2", got)
	}

	if _, err := pool.acquire(composition.MediaRef{URL: "a.fake"}); !errors.Is(err, ErrClosed) {
		t.Errorf("acquire after close: got %v, want ErrClosed", err)
	}
}

func TestClipSignature(t *testing.T) {
	t.Parallel()

	mem1 := composition.MediaRef{URL: "m.ppm", Memory: [][]byte{{1}}}
	mem2 := composition.MediaRef{URL: "m.ppm", Memory: [][]byte{{1}}}
	if clipSignature(mem1, nil) == clipSignature(mem2, nil) {
		t.Error("distinct buffers with one name must not share a signature")
	}
	file := composition.MediaRef{URL: "a.ppm"}
	if clipSignature(file, nil) == clipSignature(file, media.Options{"k": "v"}) {
		t.Error("options must be part of the signature")
	}
}
