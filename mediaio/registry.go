package mediaio

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zsiec/loupe/media"
)

// Registry maps file extensions to plugins.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	plugins []Plugin
	byExt   map[string]Plugin
}

// NewRegistry returns a registry holding plugins. If log is nil,
// slog.Default() is used.
func NewRegistry(log *slog.Logger, plugins ...Plugin) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:   log.With("component", "io-registry"),
		byExt: make(map[string]Plugin),
	}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Register adds p. Later registrations win for shared extensions.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
	for ext := range p.Extensions() {
		ext = strings.ToLower(ext)
		if prev, ok := r.byExt[ext]; ok && prev.Name() != p.Name() {
			r.log.Warn("extension claimed by multiple plugins", "ext", ext, "previous", prev.Name(), "plugin", p.Name())
		}
		r.byExt[ext] = p
	}
	r.log.Debug("plugin registered", "plugin", p.Name())
}

// Plugin returns the plugin claiming ext.
func (r *Registry) Plugin(ext string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byExt[strings.ToLower(ext)]
	return p, ok
}

// FileType returns how ext is treated.
func (r *Registry) FileType(ext string) FileType {
	p, ok := r.Plugin(ext)
	if !ok {
		return FileTypeUnknown
	}
	return p.Extensions()[strings.ToLower(ext)]
}

// Extensions lists every claimed extension, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Plugins lists registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Open finds the plugin for src and opens a reader.
func (r *Registry) Open(src Source, opts media.Options) (Reader, error) {
	ext := src.Ext()
	p, ok := r.Plugin(ext)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoPlugin, src.ID())
	}
	rd, err := p.Open(src, opts)
	if err != nil {
		return nil, fmt.Errorf("open %q with %s: %w", src.ID(), p.Name(), err)
	}
	return rd, nil
}

// Writable reports whether the plugin claiming ext can encode.
func (r *Registry) Writable(ext string) bool {
	p, ok := r.Plugin(ext)
	if !ok {
		return false
	}
	_, ok = p.(WritePlugin)
	return ok
}

// Create finds the plugin for path's extension and opens a writer.
func (r *Registry) Create(path string, info media.Info, opts media.Options) (Writer, error) {
	p, ok := r.Plugin(filepath.Ext(path))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoWriter, path)
	}
	wp, ok := p.(WritePlugin)
	if !ok {
		return nil, fmt.Errorf("%w: %s only reads %q", ErrNoWriter, p.Name(), filepath.Ext(path))
	}
	w, err := wp.Create(path, info, opts)
	if err != nil {
		return nil, fmt.Errorf("create %q with %s: %w", path, p.Name(), err)
	}
	r.log.Debug("writer created", "path", path, "plugin", p.Name())
	return w, nil
}
