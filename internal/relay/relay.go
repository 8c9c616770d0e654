// Package relay fans player events out to connected viewers. It keeps the
// most recent event of each type so late-joining viewers start from the
// current player state.
package relay

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/loupe/internal/metrics"
)

// Event types published by the pipeline.
const (
	EventTime     = "time"
	EventPlayback = "playback"
	EventSeek     = "seek"
	EventLoop     = "loop"
	EventInOut    = "inout"
	EventSpeed    = "speed"
	EventCache    = "cache"
	EventVideo    = "video"
	EventClosed   = "closed"
)

// Event is one message delivered to viewers.
type Event struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	// At is the wall-clock publish time in Unix milliseconds.
	At   int64 `json:"at"`
	Data any   `json:"data,omitempty"`
}

// ViewerStats reports delivery counters for one viewer.
type ViewerStats struct {
	ID      string `json:"id"`
	Sent    int64  `json:"sent"`
	Dropped int64  `json:"dropped"`
}

// Viewer receives events from a Relay. Send must not block.
type Viewer interface {
	ID() string
	Send(ev Event)
	Stats() ViewerStats
}

// Relay is the fan-out hub for a single player session.
type Relay struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	seq     atomic.Uint64

	mu      sync.RWMutex
	viewers map[string]Viewer
	closed  bool

	stateMu sync.RWMutex
	state   map[string]Event
}

// New creates a Relay with no viewers. m may be nil.
func New(log *slog.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:     log.With("component", "relay"),
		metrics: m,
		viewers: make(map[string]Viewer),
		state:   make(map[string]Event),
	}
}

// AddViewer replays the cached state to v, then registers it for live
// delivery. It returns false once the relay is closed.
func (r *Relay) AddViewer(v Viewer) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	// Replay under the write lock so Broadcast cannot interleave a newer
	// event ahead of the snapshot.
	for _, ev := range r.State() {
		v.Send(ev)
	}
	r.viewers[v.ID()] = v
	n := len(r.viewers)
	r.mu.Unlock()

	r.metrics.AddViewers(1)
	r.log.Info("viewer added", "viewer", v.ID(), "viewers", n)
	return true
}

// RemoveViewer unregisters a viewer by ID.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	_, ok := r.viewers[id]
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	if ok {
		r.metrics.AddViewers(-1)
		r.log.Info("viewer removed", "viewer", id, "viewers", n)
	}
}

// Broadcast stamps an event of type typ and sends it to every viewer.
func (r *Relay) Broadcast(typ string, data any) Event {
	ev := Event{Type: typ, Seq: r.seq.Add(1), At: time.Now().UnixMilli(), Data: data}

	r.stateMu.Lock()
	r.state[typ] = ev
	r.stateMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.viewers {
		v.Send(ev)
	}
	return ev
}

// State returns the latest event of each type in publish order.
func (r *Relay) State() []Event {
	r.stateMu.RLock()
	out := make([]Event, 0, len(r.state))
	for _, ev := range r.state {
		out = append(out, ev)
	}
	r.stateMu.RUnlock()
	slices.SortFunc(out, func(a, b Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// ViewerCount returns the number of connected viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// ViewerStatsAll returns delivery counters for every viewer, sorted by ID.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	stats := make([]ViewerStats, 0, len(r.viewers))
	for _, v := range r.viewers {
		stats = append(stats, v.Stats())
	}
	r.mu.RUnlock()
	slices.SortFunc(stats, func(a, b ViewerStats) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return stats
}

// Close sends a closed event to every viewer and drops them. Later
// AddViewer calls fail.
func (r *Relay) Close() {
	ev := Event{Type: EventClosed, Seq: r.seq.Add(1), At: time.Now().UnixMilli()}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	viewers := r.viewers
	r.viewers = make(map[string]Viewer)
	r.mu.Unlock()

	for _, v := range viewers {
		v.Send(ev)
	}
	r.metrics.AddViewers(-len(viewers))
	r.log.Info("relay closed", "viewers", len(viewers))
}
