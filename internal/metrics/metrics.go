// Package metrics holds the Prometheus collectors for timelines, readers,
// the decoded-media cache, players and the control API. All methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Media kinds used as label values.
const (
	KindVideo = "video"
	KindAudio = "audio"
)

// Decode results used as label values.
const (
	ResultOK     = "ok"
	ResultCached = "cached"
	ResultEmpty  = "empty"
	ResultError  = "error"
)

// Metrics holds the registry and every collector.
type Metrics struct {
	registry *prometheus.Registry

	queued       *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
	decodes      *prometheus.CounterVec
	canceled     *prometheus.CounterVec
	readerOpens  *prometheus.CounterVec
	readersOpen  prometheus.Gauge
	cacheBytes   *prometheus.GaugeVec
	cacheEntries *prometheus.GaugeVec
	cacheMax     prometheus.Gauge
	cacheHits    prometheus.Gauge
	cacheMisses  prometheus.Gauge
	players      prometheus.Gauge
	ticks        prometheus.Counter
	viewers      prometheus.Gauge
	requests     prometheus.Counter
	errors       prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loupe_timeline_queued_requests",
			Help: "Requests waiting in timeline queues",
		}, []string{"kind"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loupe_timeline_inflight_requests",
			Help: "Requests currently being decoded by timelines",
		}, []string{"kind"}),
		decodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loupe_decodes_total",
			Help: "Layer reads by media kind and result",
		}, []string{"kind", "result"}),
		canceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loupe_canceled_requests_total",
			Help: "Queued requests removed by cancellation",
		}, []string{"kind"}),
		readerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loupe_reader_opens_total",
			Help: "Reader opens by result",
		}, []string{"result"}),
		readersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_readers_open",
			Help: "Readers held by reader pools",
		}),
		cacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loupe_cache_bytes",
			Help: "Bytes held by the decoded-media cache",
		}, []string{"kind"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loupe_cache_entries",
			Help: "Entries held by the decoded-media cache",
		}, []string{"kind"}),
		cacheMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_cache_max_bytes",
			Help: "Byte budget of the decoded-media cache",
		}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_cache_hits",
			Help: "Cache lookups that found an entry",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_cache_misses",
			Help: "Cache lookups that found nothing",
		}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_players",
			Help: "Open player sessions",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loupe_player_ticks_total",
			Help: "Player tick iterations",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_event_viewers",
			Help: "Connected event stream viewers",
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loupe_api_requests_total",
			Help: "Control API requests",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loupe_api_errors_total",
			Help: "Control API responses with status >= 400",
		}),
	}
	m.registry.MustRegister(
		m.queued, m.inFlight, m.decodes, m.canceled,
		m.readerOpens, m.readersOpen,
		m.cacheBytes, m.cacheEntries, m.cacheMax, m.cacheHits, m.cacheMisses,
		m.players, m.ticks, m.viewers, m.requests, m.errors,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// AddQueued adjusts the queued-request gauge for kind by delta.
func (m *Metrics) AddQueued(kind string, delta int) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(kind).Add(float64(delta))
}

// AddInFlight adjusts the in-flight gauge for kind by delta.
func (m *Metrics) AddInFlight(kind string, delta int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Add(float64(delta))
}

// IncDecode counts one layer read.
func (m *Metrics) IncDecode(kind, result string) {
	if m == nil {
		return
	}
	m.decodes.WithLabelValues(kind, result).Inc()
}

// AddCanceled counts n canceled requests.
func (m *Metrics) AddCanceled(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.canceled.WithLabelValues(kind).Add(float64(n))
}

// IncReaderOpen counts a reader open; ok selects the result label.
func (m *Metrics) IncReaderOpen(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.readerOpens.WithLabelValues(result).Inc()
}

// AddReadersOpen adjusts the open reader gauge.
func (m *Metrics) AddReadersOpen(delta int) {
	if m == nil {
		return
	}
	m.readersOpen.Add(float64(delta))
}

// CacheSnapshot is the subset of cache statistics exported as gauges.
type CacheSnapshot struct {
	MaxBytes     int64
	VideoBytes   int64
	AudioBytes   int64
	VideoEntries int
	AudioEntries int
	Hits         int64
	Misses       int64
}

// SetCache publishes a cache snapshot.
func (m *Metrics) SetCache(s CacheSnapshot) {
	if m == nil {
		return
	}
	m.cacheMax.Set(float64(s.MaxBytes))
	m.cacheBytes.WithLabelValues(KindVideo).Set(float64(s.VideoBytes))
	m.cacheBytes.WithLabelValues(KindAudio).Set(float64(s.AudioBytes))
	m.cacheEntries.WithLabelValues(KindVideo).Set(float64(s.VideoEntries))
	m.cacheEntries.WithLabelValues(KindAudio).Set(float64(s.AudioEntries))
	m.cacheHits.Set(float64(s.Hits))
	m.cacheMisses.Set(float64(s.Misses))
}

// SetPlayers sets the open player gauge.
func (m *Metrics) SetPlayers(n int) {
	if m == nil {
		return
	}
	m.players.Set(float64(n))
}

// IncTicks counts one player tick.
func (m *Metrics) IncTicks() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// AddViewers adjusts the event viewer gauge.
func (m *Metrics) AddViewers(delta int) {
	if m == nil {
		return
	}
	m.viewers.Add(float64(delta))
}

// IncRequests counts one control API request.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requests.Inc()
}

// IncErrors counts one failed control API response.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

// Handler returns an http.Handler that serves the registry. updateGauges is
// called before each scrape to refresh point-in-time gauges.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
