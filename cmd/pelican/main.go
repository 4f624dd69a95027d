package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanstore/pelican/internal/coldstorage"
	"github.com/pelicanstore/pelican/internal/config"
	"github.com/pelicanstore/pelican/internal/metadata"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	dataDir := flag.String("data", "", "Data directory path")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus metrics port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Pelican %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting Pelican")

	cfg, err := config.Load(*configPath, config.Options{
		DataDir:     *dataDir,
		MetricsPort: *metricsPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && !*debug {
		zerolog.SetGlobalLevel(level)
	}

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Pelican exited with error")
	}

	log.Info().Msg("Pelican shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := metadata.Open(filepath.Join(cfg.DataDir, "metadata"), log.Logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close metadata store")
		}
	}()

	lifecycle := coldstorage.NewLifecycle(store, log.Logger)
	sweeper := coldstorage.NewSweeper(lifecycle, cfg.ColdStorage.SweepInterval, log.Logger)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.MetricsPort).Msg("Metrics endpoint listening")

		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
