package mediaio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
)

// DefaultFramePad is the frame number width used when the template path
// carries no number.
const DefaultFramePad = 4

var errNoImage = errors.New("mediaio: nil image")

// FrameEncoder encodes one still image for a SequenceWriter.
type FrameEncoder interface {
	EncodeFrame(w io.Writer, img *media.Image, opts media.Options) error
}

// FramePath returns the file name of frame in the sequence named by path.
// Trailing digits in the stem are replaced by frame, keeping their width:
// "shot.0001.ppm" gives "shot.0042.ppm" for frame 42. A stem without digits
// gets a dot and a DefaultFramePad-wide number.
func FramePath(path string, frame int64) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	digits := len(stem) - len(strings.TrimRightFunc(stem, func(r rune) bool { return r >= '0' && r <= '9' }))
	if digits == 0 {
		return fmt.Sprintf("%s.%0*d%s", stem, DefaultFramePad, frame, ext)
	}
	return fmt.Sprintf("%s%0*d%s", stem[:len(stem)-digits], digits, frame, ext)
}

// SequenceWriter is the shared harness for still-image encoders. Each
// WriteVideo call writes one file named by FramePath.
type SequenceWriter struct {
	log  *slog.Logger
	path string
	info media.Info
	enc  FrameEncoder
	opts media.Options

	mu      sync.Mutex
	closed  bool
	written int
}

var _ Writer = (*SequenceWriter)(nil)

// NewSequenceWriter returns a writer for the sequence named by path.
func NewSequenceWriter(path string, info media.Info, enc FrameEncoder, opts media.Options, log *slog.Logger) *SequenceWriter {
	if log == nil {
		log = slog.Default()
	}
	return &SequenceWriter{
		log:  log.With("component", "sequence-writer", "path", path),
		path: path,
		info: info,
		enc:  enc,
		opts: opts.Clone(),
	}
}

// WriteVideo encodes img as the frame at t.
func (w *SequenceWriter) WriteVideo(t rtime.Time, img *media.Image, opts media.Options) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if img == nil {
		return errNoImage
	}
	if len(w.info.Video) > 0 && img.Info != w.info.Video[0] {
		return fmt.Errorf("mediaio: image %dx%dx%d does not match the writer's %dx%dx%d",
			img.Info.Width, img.Info.Height, img.Info.Channels,
			w.info.Video[0].Width, w.info.Video[0].Height, w.info.Video[0].Channels)
	}

	name := FramePath(w.path, t.Frame())
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	err = w.enc.EncodeFrame(bw, img, media.Merge(w.opts, opts))
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	w.written++
	return nil
}

// Close stops the writer. It is safe to call more than once.
func (w *SequenceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.log.Debug("sequence writer closed", "frames", w.written)
	}
	return nil
}
