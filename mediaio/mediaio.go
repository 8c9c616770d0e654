// Package mediaio defines the capability that codec backends implement and
// the registry that maps media references to them. The timeline depends only
// on the Reader interface, never on a concrete backend.
package mediaio

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/zsiec/loupe/async"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/rtime"
)

// Sentinel errors.
var (
	ErrNoPlugin   = errors.New("mediaio: no plugin for source")
	ErrNoWriter   = errors.New("mediaio: no writer for destination")
	ErrUnresolved = errors.New("mediaio: media reference cannot be resolved")
	ErrClosed     = errors.New("mediaio: closed")
)

// Reader decodes one media source. Every call returns immediately with a
// future; implementations decide their own concurrency. Callers never
// assume a Reader is safe for concurrent submission.
type Reader interface {
	Info() *async.Future[media.Info]
	ReadVideo(t rtime.Time, opts media.Options) *async.Future[media.VideoData]
	ReadAudio(r rtime.Range, opts media.Options) *async.Future[media.AudioData]
	// CancelRequests settles every queued request with an empty result.
	// Requests already decoding are left to finish.
	CancelRequests()
	Close() error
}

// FileType distinguishes single media files from frame sequences.
type FileType int

// File types.
const (
	FileTypeUnknown FileType = iota
	FileTypeMedia
	FileTypeSequence
)

func (f FileType) String() string {
	switch f {
	case FileTypeMedia:
		return "media"
	case FileTypeSequence:
		return "sequence"
	}
	return "unknown"
}

// Source is a resolved media reference: a file path, or in-memory spans
// with Name carrying the original locator.
type Source struct {
	Name   string
	Path   string
	Memory [][]byte
	// StartFrame numbers the first span of an in-memory sequence.
	StartFrame int64
}

// Ext returns the lower-cased extension of the source, including the dot.
func (s Source) Ext() string {
	name := s.Name
	if name == "" {
		name = s.Path
	}
	return strings.ToLower(filepath.Ext(name))
}

// ID identifies the source for caching: the path if set, else the name.
func (s Source) ID() string {
	if s.Path != "" {
		return s.Path
	}
	return s.Name
}

// Plugin opens readers for the file extensions it claims.
type Plugin interface {
	Name() string
	Extensions() map[string]FileType
	Open(src Source, opts media.Options) (Reader, error)
}

// Writer encodes video frames to one destination. Calls are synchronous
// and a Writer is not safe for concurrent use.
type Writer interface {
	WriteVideo(t rtime.Time, img *media.Image, opts media.Options) error
	Close() error
}

// WritePlugin is a Plugin that can also encode its extensions.
type WritePlugin interface {
	Plugin
	// Create opens a writer for path. info describes the frames that will
	// be written; layouts the plugin cannot encode are rejected here.
	Create(path string, info media.Info, opts media.Options) (Writer, error)
}
