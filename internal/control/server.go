// Package control serves the player control API: REST endpoints to open
// compositions and drive their players, a WebSocket event feed per player,
// and Prometheus metrics. The API is served over HTTPS and, optionally,
// HTTP/3 on the same port.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/loupe/engine"
	"github.com/zsiec/loupe/internal/certs"
	"github.com/zsiec/loupe/internal/logging"
	"github.com/zsiec/loupe/internal/metrics"
	"github.com/zsiec/loupe/internal/session"
)

// maxBodyBytes bounds request bodies, compositions included.
const maxBodyBytes = 4 << 20

// ServerConfig holds the configuration for the control Server.
type ServerConfig struct {
	Addr     string
	Cert     *certs.CertInfo
	Sessions *session.Manager
	Engine   *engine.Context
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	// HTTP3 also serves the API over QUIC on Addr.
	HTTP3 bool
}

// Server is the control API server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
}

// NewServer creates a control Server. It returns an error if required
// fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Sessions == nil {
		return nil, errors.New("control: Sessions is required")
	}
	if config.Addr == "" {
		return nil, errors.New("control: Addr is required")
	}
	if config.Cert == nil {
		return nil, errors.New("control: Cert is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "control")}, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestLogger(s.log))
	r.Use(metrics.RequestMiddleware(s.config.Metrics))
	r.Use(corsMiddleware)

	if s.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.config.Metrics.Handler(s.updateGauges))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/cert-hash", s.handleCertHash)
		r.Get("/cache", s.handleCache)
		r.Put("/cache", s.handleSetCache)
		r.Delete("/cache", s.handleClearSharedCache)
		r.Route("/players", func(r chi.Router) {
			r.Get("/", s.handleListPlayers)
			r.Post("/", s.handleCreatePlayer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPlayer)
				r.Delete("/", s.handleDeletePlayer)
				r.Get("/composition", s.handleComposition)
				r.Get("/debug", s.handleDebug)
				r.Get("/events", s.handleEvents)
				r.Post("/playback", s.handlePlayback)
				r.Post("/seek", s.handleSeek)
				r.Post("/action", s.handleAction)
				r.Put("/loop", s.handleLoop)
				r.Put("/speed", s.handleSpeed)
				r.Put("/inout", s.handleSetInOut)
				r.Delete("/inout", s.handleResetInOut)
				r.Put("/audio", s.handleAudio)
				r.Put("/cache", s.handleCacheOptions)
				r.Delete("/cache", s.handleClearCache)
				r.Put("/compare", s.handleCompare)
			})
		})
	})
	return r
}

func (s *Server) updateGauges() {
	if s.config.Engine != nil {
		s.config.Engine.PublishCacheStats()
	}
	s.config.Metrics.SetPlayers(len(s.config.Sessions.List()))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

// Start serves the API over HTTPS, and over HTTP/3 when configured, until
// ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	tlsConfig := s.config.Cert.TLSConfig()

	httpSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var h3 *http3.Server
	if s.config.HTTP3 {
		h3 = &http3.Server{
			Addr:      s.config.Addr,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
		// Advertise HTTP/3 to HTTPS clients.
		httpSrv.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header", "error", err)
			}
			handler.ServeHTTP(w, r)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("control API listening", "addr", s.config.Addr, "tls", true)
		if err := httpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if h3 != nil {
		g.Go(func() error {
			s.log.Info("control API listening", "addr", s.config.Addr, "http3", true)
			err := h3.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if h3 != nil {
			h3.Close()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
