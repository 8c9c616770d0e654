package control

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/loupe/internal/relay"
	"github.com/zsiec/loupe/player"
	"github.com/zsiec/loupe/rtime"
)

const (
	wsIdleTimeout   = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsMaxMessage    = 64 << 10
	wsViewerBacklog = 256
)

var (
	errMissingFrame   = errors.New("seek needs a frame")
	errUnknownCommand = errors.New("unknown command")
)

// Any origin may connect.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// command is a client message on the event socket.
type command struct {
	Type     string   `json:"type"`
	Playback string   `json:"playback,omitempty"`
	Action   string   `json:"action,omitempty"`
	Loop     string   `json:"loop,omitempty"`
	Frame    *float64 `json:"frame,omitempty"`
}

type commandError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleEvents upgrades to a WebSocket that streams relay events and
// accepts playback commands.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	viewer := relay.NewChanViewer("ws-"+uuid.NewString(), wsViewerBacklog)
	if !sess.Relay.AddViewer(viewer) {
		write(relay.Event{Type: relay.EventClosed})
		return
	}
	defer sess.Relay.RemoveViewer(viewer.ID())
	log := s.log.With("session", sess.ID, "viewer", viewer.ID())
	log.Info("event viewer connected", "remote", r.RemoteAddr)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-sess.Done():
				conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
				writeMu.Unlock()
			case ev := <-viewer.Events():
				if err := write(ev); err != nil {
					conn.Close()
					return
				}
				if ev.Type == relay.EventClosed {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			write(commandError{Type: "error", Error: "invalid command"})
			continue
		}
		if err := apply(sess.Player, cmd); err != nil {
			write(commandError{Type: "error", Error: err.Error()})
		}
	}
	log.Info("event viewer disconnected", "stats", viewer.Stats())
}

func apply(p *player.Player, cmd command) error {
	switch cmd.Type {
	case "playback":
		if cmd.Playback == "toggle" {
			p.TogglePlayback()
			return nil
		}
		pb, err := player.ParsePlayback(cmd.Playback)
		if err != nil {
			return err
		}
		p.SetPlayback(pb)
	case "action":
		a, err := player.ParseTimeAction(cmd.Action)
		if err != nil {
			return err
		}
		p.TimeAction(a)
	case "loop":
		l, err := player.ParseLoop(cmd.Loop)
		if err != nil {
			return err
		}
		p.SetLoop(l)
	case "seek":
		if cmd.Frame == nil {
			return errMissingFrame
		}
		p.Seek(rtime.New(*cmd.Frame, p.TimeRange().Start.Rate))
	default:
		return errUnknownCommand
	}
	return nil
}
