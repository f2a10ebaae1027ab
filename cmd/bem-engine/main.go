package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	bemengine "github.com/openbem/bem-engine"
	"github.com/openbem/bem-engine/internal/acquire"
	"github.com/openbem/bem-engine/internal/api"
	"github.com/openbem/bem-engine/internal/archive"
	"github.com/openbem/bem-engine/internal/config"
	"github.com/openbem/bem-engine/internal/decode"
	"github.com/openbem/bem-engine/internal/logging"
	"github.com/openbem/bem-engine/internal/metrics"
	"github.com/openbem/bem-engine/internal/store"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var o config.Overrides
	flag.StringVar(&o.ConfigFile, "config", "", "path to a JSON config file")
	flag.StringVar(&o.EnvFile, "env-file", "", "path to a .env file (default .env)")
	flag.StringVar(&o.DBURL, "db-url", "", "PostgreSQL connection URL")
	flag.StringVar(&o.WorkingDirpath, "working-dir", "", "writable working directory")
	flag.StringVar(&o.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&o.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flag.BoolVar(&o.Verbose, "verbose", false, "shorthand for -log-level debug")
	flag.Parse()

	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(o)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to load config")
	}

	log, logCloser, err := logging.New(logging.Config(cfg.Logging))
	if err != nil {
		early.Fatal().Err(err).Msg("failed to set up logging")
	}
	defer logCloser.Close()

	log.Info().Str("version", version).Msg("bem-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	st, err := store.Connect(ctx, cfg.DBURL, log.With().Str("component", "store").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	if err := st.Setup(ctx, bemengine.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	// Acquisition
	registry, err := decode.NewRegistry(decode.Builtin()...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build decoder registry")
	}
	svc := acquire.NewService(st, registry, acquire.Config{
		ClientID:   "bem-engine",
		WorkingDir: cfg.WorkingDirpath,
	}, log)
	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start acquisition")
	}

	prometheus.MustRegister(metrics.NewCollector(st.Pool, svc))

	// Archive exporter
	arch, err := archive.New(cfg.Archive, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive backend")
	}
	var exporter *archive.Exporter
	if arch != nil {
		exporter, err = archive.NewExporter(st, arch, cfg.Archive, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure archive exporter")
		}
		exporter.Start()
	}

	// CSV drop directory
	var watcher *archive.Watcher
	if cfg.Import.WatchDirpath != "" {
		watcher = archive.NewWatcher(st, cfg.Import.WatchDirpath, log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start csv watcher")
		}
	}

	// HTTP server
	srv := api.NewServer(cfg.HTTP, st, svc, version, startTime,
		log.With().Str("component", "http").Logger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("acquisition shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	if exporter != nil {
		exporter.Stop()
	}

	log.Info().Msg("bem-engine stopped")
}
