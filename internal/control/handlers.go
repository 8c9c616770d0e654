package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/loupe/composition"
	"github.com/zsiec/loupe/internal/compfile"
	"github.com/zsiec/loupe/internal/pipeline"
	"github.com/zsiec/loupe/internal/session"
	"github.com/zsiec/loupe/media"
	"github.com/zsiec/loupe/player"
	"github.com/zsiec/loupe/rtime"
	"github.com/zsiec/loupe/timeline"
)

// PlayerInfo is the summary returned by the player list.
type PlayerInfo struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	StartedAt time.Time             `json:"startedAt"`
	Viewers   int                   `json:"viewers"`
	TimeRange pipeline.RangePayload `json:"timeRange"`
}

// PlayerState is the full state of one player.
type PlayerState struct {
	PlayerInfo
	IOInfo       media.Info            `json:"ioInfo"`
	Time         pipeline.TimePayload  `json:"time"`
	Playback     string                `json:"playback"`
	Loop         string                `json:"loop"`
	Speed        float64               `json:"speed"`
	SpeedMult    float64               `json:"speedMult"`
	InOut        pipeline.RangePayload `json:"inOut"`
	Volume       float64               `json:"volume"`
	Mute         bool                  `json:"mute"`
	ChannelMute  []bool                `json:"channelMute,omitempty"`
	AudioOffset  float64               `json:"audioOffset"`
	CompareTime  string                `json:"compareTime"`
	VideoLayer   int                   `json:"videoLayer"`
	CacheOptions cacheOptionsBody      `json:"cacheOptions"`
	Cache        player.CacheInfo      `json:"cache"`
	Timeline     timeline.Stats        `json:"timeline"`
}

func infoOf(s *session.Session) PlayerInfo {
	return PlayerInfo{
		ID:        s.ID,
		Name:      s.Name,
		StartedAt: s.StartedAt,
		Viewers:   s.Relay.ViewerCount(),
		TimeRange: pipeline.NewRangePayload(s.Player.TimeRange()),
	}
}

func stateOf(s *session.Session) PlayerState {
	p := s.Player
	co := p.CacheOptions()
	return PlayerState{
		PlayerInfo:   infoOf(s),
		IOInfo:       p.IOInfo(),
		Time:         pipeline.NewTimePayload(p.CurrentTime()),
		Playback:     p.Playback().String(),
		Loop:         p.Loop().String(),
		Speed:        p.Speed(),
		SpeedMult:    p.SpeedMult(),
		InOut:        pipeline.NewRangePayload(p.InOutRange()),
		Volume:       p.Volume(),
		Mute:         p.Mute(),
		ChannelMute:  p.ChannelMute(),
		AudioOffset:  p.AudioOffset(),
		CompareTime:  p.CompareTime().String(),
		VideoLayer:   p.VideoLayer(),
		CacheOptions: cacheOptionsBody{ReadAhead: co.ReadAhead.String(), ReadBehind: co.ReadBehind.String()},
		Cache:        p.CacheInfo(),
		Timeline:     s.Timeline.Stats(),
	}
}

// lookup resolves {id} or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := s.config.Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "player not found")
		return nil, false
	}
	return sess, true
}

// decode reads a JSON body into v or writes a 400.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleListPlayers(w http.ResponseWriter, _ *http.Request) {
	sessions := s.config.Sessions.List()
	resp := make([]PlayerInfo, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, infoOf(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreatePlayer opens the YAML composition in the body. With
// ?play=1 playback starts forward immediately.
func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	comp, err := compfile.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.config.Sessions.Create(r.Context(), comp)
	switch {
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, composition.ErrInvalidComposition):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("create player failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.URL.Query().Get("play") == "1" {
		sess.Player.Forward()
	}
	writeJSON(w, http.StatusCreated, stateOf(sess))
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateOf(sess))
}

func (s *Server) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	if !s.config.Sessions.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComposition(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, err := compfile.Marshal(sess.Timeline.Composition())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Pipeline.Snapshot())
}

type playbackBody struct {
	// Playback is stop, forward, reverse or toggle.
	Playback string `json:"playback"`
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body playbackBody
	if !decode(w, r, &body) {
		return
	}
	if body.Playback == "toggle" {
		sess.Player.TogglePlayback()
	} else {
		pb, err := player.ParsePlayback(body.Playback)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sess.Player.SetPlayback(pb)
	}
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type seekBody struct {
	// Frame is an absolute frame at the timeline rate.
	Frame *float64 `json:"frame,omitempty"`
	// Offset is a frame count from the start of the time range.
	Offset *float64 `json:"offset,omitempty"`
	// Seconds is an absolute time in seconds.
	Seconds *float64 `json:"seconds,omitempty"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body seekBody
	if !decode(w, r, &body) {
		return
	}
	tr := sess.Player.TimeRange()
	rate := tr.Start.Rate
	var t rtime.Time
	switch {
	case body.Frame != nil:
		t = rtime.New(*body.Frame, rate)
	case body.Offset != nil:
		t = tr.Start.AddFrames(*body.Offset)
	case body.Seconds != nil:
		t = rtime.FromSeconds(*body.Seconds, rate)
	default:
		writeError(w, http.StatusBadRequest, "one of frame, offset or seconds is required")
		return
	}
	sess.Player.Seek(t)
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type actionBody struct {
	Action string `json:"action"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body actionBody
	if !decode(w, r, &body) {
		return
	}
	a, err := player.ParseTimeAction(body.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess.Player.TimeAction(a)
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type loopBody struct {
	Loop string `json:"loop"`
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body loopBody
	if !decode(w, r, &body) {
		return
	}
	l, err := player.ParseLoop(body.Loop)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess.Player.SetLoop(l)
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type speedBody struct {
	// Speed is frames per second; zero or absent leaves it unchanged.
	Speed *float64 `json:"speed,omitempty"`
	Mult  *float64 `json:"mult,omitempty"`
	// Reset restores the timeline's own rate and a multiplier of one.
	Reset bool `json:"reset,omitempty"`
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body speedBody
	if !decode(w, r, &body) {
		return
	}
	p := sess.Player
	if body.Reset {
		p.SetSpeed(p.DefaultSpeed())
		p.SetSpeedMult(1)
	}
	if body.Speed != nil {
		if *body.Speed <= 0 {
			writeError(w, http.StatusBadRequest, "speed must be positive")
			return
		}
		p.SetSpeed(*body.Speed)
	}
	if body.Mult != nil {
		if *body.Mult <= 0 {
			writeError(w, http.StatusBadRequest, "mult must be positive")
			return
		}
		p.SetSpeedMult(*body.Mult)
	}
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type inOutBody struct {
	// Start and End are absolute frames; End is inclusive.
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
	// Mark sets the in or out point at the current time.
	Mark string `json:"mark,omitempty"`
}

func (s *Server) handleSetInOut(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body inOutBody
	if !decode(w, r, &body) {
		return
	}
	p := sess.Player
	switch body.Mark {
	case "in":
		p.SetInPoint()
	case "out":
		p.SetOutPoint()
	case "":
		if body.Start == nil || body.End == nil {
			writeError(w, http.StatusBadRequest, "start and end are required without mark")
			return
		}
		if *body.End < *body.Start {
			writeError(w, http.StatusBadRequest, "end must not precede start")
			return
		}
		rate := p.TimeRange().Start.Rate
		p.SetInOutRange(rtime.RangeFromStartEndInclusive(rtime.New(*body.Start, rate), rtime.New(*body.End, rate)))
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mark %q", body.Mark))
		return
	}
	writeJSON(w, http.StatusOK, stateOf(sess))
}

func (s *Server) handleResetInOut(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Player.ResetInPoint()
	sess.Player.ResetOutPoint()
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type audioBody struct {
	Volume      *float64 `json:"volume,omitempty"`
	Mute        *bool    `json:"mute,omitempty"`
	Offset      *float64 `json:"offset,omitempty"`
	ChannelMute []bool   `json:"channelMute,omitempty"`
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body audioBody
	if !decode(w, r, &body) {
		return
	}
	p := sess.Player
	if body.Volume != nil {
		p.SetVolume(*body.Volume)
	}
	if body.Mute != nil {
		p.SetMute(*body.Mute)
	}
	if body.Offset != nil {
		p.SetAudioOffset(*body.Offset)
	}
	if body.ChannelMute != nil {
		p.SetChannelMute(body.ChannelMute)
	}
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type cacheOptionsBody struct {
	ReadAhead  string `json:"readAhead,omitempty"`
	ReadBehind string `json:"readBehind,omitempty"`
}

func (s *Server) handleCacheOptions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body cacheOptionsBody
	if !decode(w, r, &body) {
		return
	}
	opts := sess.Player.CacheOptions()
	for _, f := range []struct {
		in  string
		out *time.Duration
	}{
		{body.ReadAhead, &opts.ReadAhead},
		{body.ReadBehind, &opts.ReadBehind},
	} {
		if f.in == "" {
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration %q", f.in))
			return
		}
		*f.out = d
	}
	sess.Player.SetCacheOptions(opts)
	writeJSON(w, http.StatusOK, stateOf(sess))
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Player.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

type compareBody struct {
	// Players are the IDs of sessions whose timelines are compared.
	Players []string `json:"players"`
	// Mode is relative or absolute.
	Mode       string `json:"mode,omitempty"`
	VideoLayer *int   `json:"videoLayer,omitempty"`
	Layers     []int  `json:"layers,omitempty"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body compareBody
	if !decode(w, r, &body) {
		return
	}
	tls := make([]*timeline.Timeline, 0, len(body.Players))
	for _, id := range body.Players {
		other, ok := s.config.Sessions.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("player %q not found", id))
			return
		}
		tls = append(tls, other.Timeline)
	}
	p := sess.Player
	if body.Mode != "" {
		mode, err := player.ParseCompareTime(body.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.SetCompareTime(mode)
	}
	if body.VideoLayer != nil {
		p.SetVideoLayer(*body.VideoLayer)
	}
	if body.Layers != nil {
		p.SetCompareVideoLayers(body.Layers)
	}
	p.SetCompare(tls)
	writeJSON(w, http.StatusOK, stateOf(sess))
}

type cacheBody struct {
	MaxBytes *int64 `json:"maxBytes,omitempty"`
}

// handleCache reports the shared decoded-media cache.
func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	if s.config.Engine == nil {
		writeError(w, http.StatusNotImplemented, "no engine configured")
		return
	}
	writeJSON(w, http.StatusOK, s.config.Engine.Cache.Stats())
}

func (s *Server) handleSetCache(w http.ResponseWriter, r *http.Request) {
	if s.config.Engine == nil {
		writeError(w, http.StatusNotImplemented, "no engine configured")
		return
	}
	var body cacheBody
	if !decode(w, r, &body) {
		return
	}
	if body.MaxBytes == nil || *body.MaxBytes < 0 {
		writeError(w, http.StatusBadRequest, "maxBytes must be set and not negative")
		return
	}
	s.config.Engine.Cache.SetMax(*body.MaxBytes)
	s.log.Info("cache resized", "maxBytes", *body.MaxBytes)
	writeJSON(w, http.StatusOK, s.config.Engine.Cache.Stats())
}

func (s *Server) handleClearSharedCache(w http.ResponseWriter, _ *http.Request) {
	if s.config.Engine == nil {
		writeError(w, http.StatusNotImplemented, "no engine configured")
		return
	}
	s.config.Engine.Cache.Clear()
	s.log.Info("cache cleared")
	w.WriteHeader(http.StatusNoContent)
}
