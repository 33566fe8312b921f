// SPDX-License-Identifier: MIT

// Package api exposes the streaming HTTP surface: session-scoped stream
// URLs, HEAD emulation, stop signalling and the stats view.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/api/middleware"
	"github.com/nick4810/Dispatcharr/internal/catalog"
	"github.com/nick4810/Dispatcharr/internal/config"
	"github.com/nick4810/Dispatcharr/internal/log"
	"github.com/nick4810/Dispatcharr/internal/store"
	"github.com/nick4810/Dispatcharr/internal/vod"
)

// Server is the streaming front end of one worker process. All mutable state
// lives in the shared store, so any number of Servers can run side by side
// behind one load balancer.
type Server struct {
	cfg      config.Config
	catalog  catalog.Catalog
	store    *store.Store
	sessions *vod.Registry
	streamer *vod.Streamer
	prober   *vod.Prober
	stats    *vod.Collector
	trust    *proxyTrust
	logger   zerolog.Logger
	srv      *http.Server
}

// New wires the streaming core and its HTTP surface.
func New(cfg config.Config, cat catalog.Catalog, st *store.Store, logger zerolog.Logger) *Server {
	sessions := vod.NewRegistry(st, cfg.SessionTTL, log.WithComponent("sessions"))
	streamer := vod.NewStreamer(cat, st, sessions, vod.StreamerConfig{
		ChunkSize:      cfg.ChunkSize,
		SeekTolerance:  cfg.SeekTolerance,
		CounterTTL:     cfg.CounterTTL,
		ConnectTimeout: cfg.UpstreamConnectTimeout,
		ReadTimeout:    cfg.UpstreamReadTimeout,
	}, log.WithComponent("streamer"))

	s := &Server{
		cfg:      cfg,
		catalog:  cat,
		store:    st,
		sessions: sessions,
		streamer: streamer,
		prober:   vod.NewProber(cfg.ProbeTimeout, log.WithComponent("prober")),
		stats:    vod.NewCollector(sessions, cat, log.WithComponent("stats")),
		trust:    newProxyTrust(cfg.TrustedProxies),
		logger:   logger,
	}
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streams are expected to outlive any sane value.
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics: true,
		EnableLogging: true,
	})

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/stream", func(r chi.Router) {
		r.Get("/{kind}/{contentID}", s.handleInitiate)
		// Sessionless HEAD mints the session inline instead of redirecting.
		r.Head("/{kind}/{contentID}", s.handleHeadInitiate)

		r.Get("/{kind}/{contentID}/{sessionID}", s.handleStream)
		r.Head("/{kind}/{contentID}/{sessionID}", s.handleHead)

		r.Get("/{kind}/{contentID}/{sessionID}/{profileID}", s.handleStream)
		r.Head("/{kind}/{contentID}/{sessionID}/{profileID}", s.handleHead)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.ControlRateLimit())
		r.Post("/stop", s.handleStop)
		r.Post("/position/{contentID}", s.handlePosition)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.cfg.ListenAddr).
		Msg("vod proxy server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests. Long-lived streams are cut when ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
