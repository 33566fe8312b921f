// SPDX-License-Identifier: MIT

// Command vodproxyd is one worker of the VOD reverse proxy. All workers are
// equal: session state and capacity counters live in Redis, so instances can
// be added or removed behind a load balancer without coordination.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nick4810/Dispatcharr/internal/api"
	"github.com/nick4810/Dispatcharr/internal/catalog"
	"github.com/nick4810/Dispatcharr/internal/config"
	"github.com/nick4810/Dispatcharr/internal/log"
	"github.com/nick4810/Dispatcharr/internal/store"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "vodproxyd",
	})
	logger := log.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.invalid").
			Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(store.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log.WithComponent("store"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "store.connect_failed").
			Str("addr", cfg.RedisAddr).
			Msg("failed to connect to redis")
	}
	defer func() { _ = st.Close() }()

	cat, err := catalog.LoadFile(cfg.CatalogPath, log.WithComponent("catalog"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "catalog.load_failed").
			Str("path", cfg.CatalogPath).
			Msg("failed to load catalog")
	}

	srv := api.New(cfg, cat, st, log.WithComponent("api"))

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Str("redis", cfg.RedisAddr).
		Str("catalog", cfg.CatalogPath).
		Msg("starting vodproxyd")

	g, ctx := errgroup.WithContext(ctx)

	// Catalog hot reload is best-effort: a broken watcher must not take the
	// streaming plane down.
	g.Go(func() error {
		if err := cat.Watch(ctx); err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "catalog.watch_failed").
				Msg("catalog watcher stopped")
		}
		return nil
	})

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().
			Str(log.FieldEvent, "shutdown").
			Msg("shutting down, draining streams")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "fatal").
			Msg("vodproxyd exited with error")
	}
	logger.Info().Msg("vodproxyd stopped")
}
