package control

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/loupe/engine"
	"github.com/zsiec/loupe/internal/certs"
	"github.com/zsiec/loupe/internal/metrics"
	"github.com/zsiec/loupe/internal/relay"
	"github.com/zsiec/loupe/internal/session"
	"github.com/zsiec/loupe/mediaio"
	"github.com/zsiec/loupe/plugins/testpattern"
)

const barsYAML = `
name: bars
rate: 24
tracks:
  - name: V1
    kind: video
    items:
      - clip: {name: bars, url: bars.pattern, start: 0, duration: 48}
`

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	ec := engine.New(engine.Options{
		Log:        log,
		Plugins:    []mediaio.Plugin{testpattern.New(log)},
		CacheBytes: 16 << 20,
		Metrics:    m,
	})
	sessions := session.NewManager(ec, session.Options{}, log)
	t.Cleanup(sessions.Close)

	srv, err := NewServer(ServerConfig{
		Addr:     ":0",
		Cert:     cert,
		Sessions: sessions,
		Engine:   ec,
		Metrics:  m,
		Log:      log,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createPlayer(t *testing.T, h http.Handler) PlayerState {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/players", barsYAML)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body)
	}
	var st PlayerState
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return st
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) PlayerState {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var st PlayerState
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return st
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ec := engine.New(engine.Options{})
	sessions := session.NewManager(ec, session.Options{}, nil)

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"no sessions", ServerConfig{Addr: ":0", Cert: cert}},
		{"no addr", ServerConfig{Cert: cert, Sessions: sessions}},
		{"no cert", ServerConfig{Addr: ":0", Sessions: sessions}},
	}
	for _, tt := range tests {
		if _, err := NewServer(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestListPlayersEmpty(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/players", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want %q", body, "[]")
	}
}

func TestCreateGetDeletePlayer(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	st := createPlayer(t, h)
	if st.ID == "" || st.Name != "bars" {
		t.Fatalf("created: got id %q name %q", st.ID, st.Name)
	}
	if st.TimeRange.Start != 0 || st.TimeRange.End != 48 || st.TimeRange.Rate != 24 {
		t.Errorf("time range: got %+v, want [0,48)@24", st.TimeRange)
	}
	if st.Playback != "stop" || st.Loop != "loop" {
		t.Errorf("initial: got playback %q loop %q", st.Playback, st.Loop)
	}

	got := decodeState(t, do(t, h, http.MethodGet, "/api/players/"+st.ID, ""))
	if got.ID != st.ID {
		t.Errorf("get: got id %q, want %q", got.ID, st.ID)
	}

	var list []PlayerInfo
	rec := do(t, h, http.MethodGet, "/api/players", "")
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Fatalf("list: got %v (%v), want one player", list, err)
	}

	if rec := do(t, h, http.MethodDelete, "/api/players/"+st.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/players/"+st.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/players/"+st.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
}

func TestCreatePlayerBadBody(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	for _, body := range []string{"", "rate: [", "rate: 24\ntracks:\n  - kind: smell\n    items: []\n"} {
		if rec := do(t, h, http.MethodPost, "/api/players", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestPlayerControls(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)
	id := createPlayer(t, h).ID
	base := "/api/players/" + id

	st := decodeState(t, do(t, h, http.MethodPost, base+"/seek", `{"frame": 12}`))
	if st.Time.Frame != 12 {
		t.Errorf("seek: got frame %d, want 12", st.Time.Frame)
	}
	st = decodeState(t, do(t, h, http.MethodPost, base+"/action", `{"action": "frame-next-x10"}`))
	if st.Time.Frame != 22 {
		t.Errorf("action: got frame %d, want 22", st.Time.Frame)
	}
	st = decodeState(t, do(t, h, http.MethodPut, base+"/loop", `{"loop": "once"}`))
	if st.Loop != "once" {
		t.Errorf("loop: got %q, want once", st.Loop)
	}
	st = decodeState(t, do(t, h, http.MethodPut, base+"/speed", `{"speed": 48, "mult": 0.5}`))
	if st.Speed != 48 || st.SpeedMult != 0.5 {
		t.Errorf("speed: got %v x %v, want 48 x 0.5", st.Speed, st.SpeedMult)
	}
	st = decodeState(t, do(t, h, http.MethodPut, base+"/speed", `{"reset": true}`))
	if st.Speed != 24 || st.SpeedMult != 1 {
		t.Errorf("speed reset: got %v x %v, want 24 x 1", st.Speed, st.SpeedMult)
	}
	st = decodeState(t, do(t, h, http.MethodPut, base+"/inout", `{"start": 10, "end": 20}`))
	if st.InOut.Start != 10 || st.InOut.End != 21 {
		t.Errorf("inout: got %+v, want [10,21)", st.InOut)
	}
	st = decodeState(t, do(t, h, http.MethodDelete, base+"/inout", ""))
	if st.InOut.Start != 0 || st.InOut.End != 48 {
		t.Errorf("inout reset: got %+v, want [0,48)", st.InOut)
	}
	st = decodeState(t, do(t, h, http.MethodPut, base+"/audio", `{"volume": 0.25, "mute": true, "offset": 0.5}`))
	if st.Volume != 0.25 || !st.Mute || st.AudioOffset != 0.5 {
		t.Errorf("audio: got volume %v mute %v offset %v", st.Volume, st.Mute, st.AudioOffset)
	}
	st = decodeState(t, do(t, h, http.MethodPut, base+"/cache", `{"readAhead": "1s"}`))
	if st.CacheOptions.ReadAhead != "1s" || st.CacheOptions.ReadBehind != "500ms" {
		t.Errorf("cache options: got %+v", st.CacheOptions)
	}
	st = decodeState(t, do(t, h, http.MethodPost, base+"/playback", `{"playback": "forward"}`))
	if st.Playback != "forward" {
		t.Errorf("playback: got %q, want forward", st.Playback)
	}
	st = decodeState(t, do(t, h, http.MethodPost, base+"/playback", `{"playback": "toggle"}`))
	if st.Playback != "stop" {
		t.Errorf("toggle: got %q, want stop", st.Playback)
	}
	if rec := do(t, h, http.MethodDelete, base+"/cache", ""); rec.Code != http.StatusNoContent {
		t.Errorf("clear cache: status = %d, want 204", rec.Code)
	}
}

func TestPlayerControlErrors(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)
	base := "/api/players/" + createPlayer(t, h).ID

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/players/missing/seek", `{"frame": 1}`, http.StatusNotFound},
		{http.MethodPost, base + "/seek", `{}`, http.StatusBadRequest},
		{http.MethodPost, base + "/seek", `{"frame": 1, "extra": 2}`, http.StatusBadRequest},
		{http.MethodPost, base + "/action", `{"action": "jump-sideways"}`, http.StatusBadRequest},
		{http.MethodPost, base + "/playback", `{"playback": "rewind"}`, http.StatusBadRequest},
		{http.MethodPut, base + "/loop", `{"loop": "bounce"}`, http.StatusBadRequest},
		{http.MethodPut, base + "/speed", `{"speed": -1}`, http.StatusBadRequest},
		{http.MethodPut, base + "/inout", `{"start": 20, "end": 10}`, http.StatusBadRequest},
		{http.MethodPut, base + "/inout", `{"mark": "middle"}`, http.StatusBadRequest},
		{http.MethodPut, base + "/cache", `{"readAhead": "soon"}`, http.StatusBadRequest},
		{http.MethodPut, base + "/compare", `{"players": ["missing"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, h, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s %s: status = %d, want %d", tt.method, tt.path, tt.body, rec.Code, tt.want)
		}
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t)
	a := createPlayer(t, h).ID
	b := createPlayer(t, h).ID

	st := decodeState(t, do(t, h, http.MethodPut, "/api/players/"+a+"/compare",
		`{"players": ["`+b+`"], "mode": "absolute", "layers": [1]}`))
	if st.CompareTime != "absolute" {
		t.Errorf("compare time: got %q, want absolute", st.CompareTime)
	}
	sess, _ := srv.config.Sessions.Get(a)
	if got := len(sess.Player.Compare()); got != 1 {
		t.Errorf("compare timelines: got %d, want 1", got)
	}
}

func TestCompositionRoundTrip(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)
	id := createPlayer(t, h).ID

	rec := do(t, h, http.MethodGet, "/api/players/"+id+"/composition", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("content type: got %q", ct)
	}
	if rec := do(t, h, http.MethodPost, "/api/players", rec.Body.String()); rec.Code != http.StatusCreated {
		t.Errorf("re-create from exported YAML: status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestSharedCache(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPut, "/api/cache", `{"maxBytes": 1048576}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var stats struct {
		MaxBytes int64 `json:"maxBytes"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil || stats.MaxBytes != 1<<20 {
		t.Errorf("stats: got %+v (%v), want maxBytes 1048576", stats, err)
	}
	if rec := do(t, h, http.MethodDelete, "/api/cache", ""); rec.Code != http.StatusNoContent {
		t.Errorf("clear: status = %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/cache", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing maxBytes: status = %d, want 400", rec.Code)
	}
}

func TestCertHashAndMetrics(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/cert-hash", "")
	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != srv.config.Cert.FingerprintBase64() {
		t.Errorf("hash: got %q", resp.Hash)
	}

	createPlayer(t, h)
	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("loupe_players 1")) {
		t.Errorf("metrics missing player gauge:\n%s", rec.Body)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodOptions, "/api/players", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin: got %q", got)
	}
}

func TestEventsWebSocket(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)
	id := createPlayer(t, h).ID

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/players/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(command{Type: "seek", Frame: ptr(30.0)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev relay.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type != relay.EventSeek {
			continue
		}
		data, _ := ev.Data.(map[string]any)
		if data["frame"] != float64(30) {
			t.Errorf("seek frame: got %v, want 30", data["frame"])
		}
		break
	}

	if err := conn.WriteJSON(command{Type: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["type"] == "error" {
			if msg["error"] != errUnknownCommand.Error() {
				t.Errorf("error: got %v", msg["error"])
			}
			break
		}
	}
}

func ptr[T any](v T) *T { return &v }
