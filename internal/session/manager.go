// Package session tracks the lifecycle of player sessions. A session owns
// one timeline, its player, and the relay and pipeline that publish the
// player's state to viewers.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/engine"
	"github.com/zsiec/loupe/internal/pipeline"
	"github.com/zsiec/loupe/internal/relay"
	"github.com/zsiec/loupe/player"
	"github.com/zsiec/loupe/timeline"
)

// ErrClosed is returned by Create after Close.
var ErrClosed = errors.New("session: manager closed")

// Session is one open composition with its player.
type Session struct {
	ID        string
	Name      string
	StartedAt time.Time
	Timeline  *timeline.Timeline
	Player    *player.Player
	Relay     *relay.Relay
	Pipeline  *pipeline.Pipeline

	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the session has been removed and torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Options configure the sessions a Manager creates.
type Options struct {
	Timeline timeline.Options
	Player   player.Options
	// Setup, if set, runs on each new player before its pipeline starts.
	Setup func(*player.Player)
}

// Manager manages the lifecycle of player sessions.
type Manager struct {
	log  *slog.Logger
	ec   *engine.Context
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64
	closed   bool
}

// NewManager creates a session manager. If log is nil, slog.Default() is
// used.
func NewManager(ec *engine.Context, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		ec:       ec,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create opens comp in a new session and starts publishing its player
// state. ctx bounds the timeline's media probe only.
func (m *Manager) Create(ctx context.Context, comp *composition.Composition) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	log := m.log.With("session", id)

	tl, err := timeline.New(ctx, m.ec, comp, m.opts.Timeline)
	if err != nil {
		return nil, fmt.Errorf("session: timeline: %w", err)
	}
	popts := m.opts.Player
	popts.Log = log
	p, err := player.New(m.ec, tl, popts)
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("session: player: %w", err)
	}
	if m.opts.Setup != nil {
		m.opts.Setup(p)
	}

	rl := relay.New(log, m.ec.Metrics)
	pctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		Name:      comp.Name,
		StartedAt: time.Now(),
		Timeline:  tl,
		Player:    p,
		Relay:     rl,
		Pipeline:  pipeline.New(id, p, rl, log),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		p.Close()
		tl.Close()
		return nil, ErrClosed
	}
	m.seq++
	s.seq = m.seq
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	go s.Pipeline.Run(pctx)

	m.ec.Metrics.SetPlayers(n)
	m.log.Info("session created", "session", id, "composition", comp.Name, "sessions", n)
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove closes and forgets the session with id. It reports whether the
// session existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.teardown(s)
	m.ec.Metrics.SetPlayers(n)
	m.log.Info("session removed", "session", id, "sessions", n)
	return true
}

func (m *Manager) teardown(s *Session) {
	s.cancel()
	if err := s.Player.Close(); err != nil {
		m.log.Warn("player close failed", "session", s.ID, "error", err)
	}
	s.Relay.Close()
	if err := s.Timeline.Close(); err != nil {
		m.log.Warn("timeline close failed", "session", s.ID, "error", err)
	}
	close(s.done)
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return sessions
}

// Close removes every session. Later Create calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.teardown(s)
	}
	m.ec.Metrics.SetPlayers(0)
	if len(sessions) > 0 {
		m.log.Info("sessions closed", "count", len(sessions))
	}
}
