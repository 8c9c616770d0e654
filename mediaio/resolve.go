package mediaio

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zsiec/loupe/composition"
)

// RefResolver turns a clip's media reference into a concrete source.
type RefResolver interface {
	Resolve(ref composition.MediaRef) (Source, error)
}

// PathResolver joins relative URLs onto BaseDir and passes in-memory
// references through. It does not touch the filesystem.
type PathResolver struct {
	BaseDir string
}

// Resolve implements RefResolver.
func (p PathResolver) Resolve(ref composition.MediaRef) (Source, error) {
	if ref.IsMemory() {
		return Source{Name: ref.URL, Memory: ref.Memory, StartFrame: int64(ref.AvailableRange.Start.Value)}, nil
	}
	if ref.URL == "" {
		return Source{}, fmt.Errorf("%w: empty url", ErrUnresolved)
	}
	path := strings.TrimPrefix(ref.URL, "file://")
	if !filepath.IsAbs(path) && p.BaseDir != "" {
		path = filepath.Join(p.BaseDir, path)
	}
	return Source{Name: ref.URL, Path: path}, nil
}

// ResolverFunc adapts a function to RefResolver.
type ResolverFunc func(ref composition.MediaRef) (Source, error)

// Resolve implements RefResolver.
func (f ResolverFunc) Resolve(ref composition.MediaRef) (Source, error) { return f(ref) }
