package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/loupe/engine"
	"github.com/zsiec/loupe/internal/certs"
	"github.com/zsiec/loupe/internal/compfile"
	"github.com/zsiec/loupe/internal/config"
	"github.com/zsiec/loupe/internal/control"
	"github.com/zsiec/loupe/internal/logging"
	"github.com/zsiec/loupe/internal/metrics"
	"github.com/zsiec/loupe/internal/session"
	"github.com/zsiec/loupe/mediaio"
	"github.com/zsiec/loupe/player"
	"github.com/zsiec/loupe/plugins/ppm"
	"github.com/zsiec/loupe/plugins/testpattern"
	"github.com/zsiec/loupe/timeline"
)

var version = "dev"

func main() {
	if err := config.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("reading .env", "error", err)
	}
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	log := logging.New("loupe", cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	cert, err := certs.Generate(certs.MaxValidity)
	if err != nil {
		return err
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	ec := engine.New(engine.Options{
		Log:        log,
		Plugins:    []mediaio.Plugin{testpattern.New(log), ppm.New(log)},
		CacheBytes: cfg.CacheBytes(),
		Metrics:    m,
	})

	baseDir := cfg.BaseDir
	if baseDir == "" && cfg.Composition != "" {
		baseDir = filepath.Dir(cfg.Composition)
	}
	loop, _ := player.ParseLoop(cfg.Loop)

	sessions := session.NewManager(ec, session.Options{
		Timeline: timeline.Options{
			VideoRequestMax: cfg.VideoRequestMax,
			AudioRequestMax: cfg.AudioRequestMax,
			ReaderPoolSize:  cfg.ReaderPoolSize,
			Resolver:        mediaio.PathResolver{BaseDir: baseDir},
		},
		Player: player.Options{
			Cache: player.CacheOptions{ReadAhead: cfg.ReadAhead, ReadBehind: cfg.ReadBehind},
		},
		Setup: func(p *player.Player) { p.SetLoop(loop) },
	}, log)
	defer sessions.Close()

	if cfg.Composition != "" {
		comp, err := compfile.Load(cfg.Composition)
		if err != nil {
			return err
		}
		sess, err := sessions.Create(ctx, comp)
		if err != nil {
			return err
		}
		if cfg.Autoplay {
			sess.Player.Forward()
		}
		log.Info("composition opened", "player", sess.ID, "name", sess.Name, "range", sess.Player.TimeRange().String())
	}

	srv, err := control.NewServer(control.ServerConfig{
		Addr:     cfg.APIAddr,
		Cert:     cert,
		Sessions: sessions,
		Engine:   ec,
		Metrics:  m,
		Log:      log,
		HTTP3:    cfg.HTTP3,
	})
	if err != nil {
		return err
	}

	log.Info("loupe starting",
		"version", version,
		"api", cfg.APIAddr,
		"http3", cfg.HTTP3,
		"cacheBytes", cfg.CacheBytes(),
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	})
	return g.Wait()
}
