// main is the entry point of the Meridian application.
// It initializes the configuration, logger, database, GeoIP provider, the
// refresh loop and the HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/woozymasta/meridian/internal/aggregate"
	"github.com/woozymasta/meridian/internal/classify"
	"github.com/woozymasta/meridian/internal/config"
	"github.com/woozymasta/meridian/internal/game"
	"github.com/woozymasta/meridian/internal/geoip"
	"github.com/woozymasta/meridian/internal/logger"
	"github.com/woozymasta/meridian/internal/maintenance"
	"github.com/woozymasta/meridian/internal/metrics"
	"github.com/woozymasta/meridian/internal/prober"
	"github.com/woozymasta/meridian/internal/query"
	"github.com/woozymasta/meridian/internal/scheduler"
	"github.com/woozymasta/meridian/internal/server"
	"github.com/woozymasta/meridian/internal/snapshot"
	"github.com/woozymasta/meridian/internal/storage"
	"github.com/woozymasta/meridian/internal/vars"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Str("version", vars.Version).Msg("Starting meridian service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	exclude, err := prober.LoadExclusions(cfg.Master.Exclude)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load exclusions")
	}

	clock := quartz.NewReal()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	geo := openGeoIP(ctx, cfg.GeoIP)
	defer func() {
		if err := geo.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing GeoIP provider")
		}
	}()

	loaders := query.New(store, geo, clock)
	engine := aggregate.New(store, loaders.ServerID, loaders.MapID, m)

	// database maintenance
	ran, err := maintenance.Run(ctx, cfg.Maintenance, maintenance.Deps{
		Store:      store,
		Categories: loaders,
		Excluded:   exclude,
		Aggregator: engine,
	})
	if ran {
		if err != nil {
			log.Error().Err(err).Msg("Maintenance failed")
		}
		return
	}

	classifier, err := classify.Default()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load classifier rules")
	}

	probe := prober.New(
		game.NewMaster(cfg.Master),
		game.NewProber(cfg.A2S),
		exclude,
		m,
		prober.OptionsFromConfig(cfg.Master, cfg.A2S),
	)

	sched := scheduler.New(probe, engine, loaders, store, classifier, snapshot.NewStore(), m, clock, scheduler.Options{
		SnapshotPath:     cfg.Storage.SnapshotPath,
		OptimizeLocation: optimizeLocation(cfg.Storage.OptimizeTZ),
		OptimizeHour:     cfg.Storage.OptimizeHour,
		Interval:         cfg.Scheduler.CycleInterval(),
		FullInterval:     cfg.Scheduler.FullInterval,
	})

	// Init server
	srvHandler := server.New(sched, loaders, geo, classifier, registry, clock, cfg)
	srvHandler.StartWorkers()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srvHandler.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		refreshGeoIP(gctx, cfg.GeoIP, geo)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}

	srvHandler.StopWorkers()
	log.Info().Msg("Server exited")
}

// openGeoIP makes sure a database is present and opens it. Without one the
// provider finds nothing and servers are published without coordinates.
func openGeoIP(ctx context.Context, cfg config.GeoIP) *geoip.Provider {
	log.Info().Msg("Checking GeoIP database...")
	if _, err := geoip.EnsureDB(ctx, cfg.Path, cfg.URL, cfg.Interval); err != nil {
		log.Error().Err(err).Msg("Failed to download GeoIP database")
	}

	geo, err := geoip.Open(cfg.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open GeoIP database, locations disabled")
		return &geoip.Provider{}
	}

	return geo
}

// refreshGeoIP re-downloads the database once it is older than the
// configured interval and swaps it in.
func refreshGeoIP(ctx context.Context, cfg config.GeoIP, geo *geoip.Provider) {
	if cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		updated, err := geoip.EnsureDB(ctx, cfg.Path, cfg.URL, cfg.Interval)
		if err != nil {
			log.Error().Err(err).Msg("Failed to update GeoIP database")
			continue
		}
		if !updated {
			continue
		}

		if err := geo.Reload(cfg.Path); err != nil {
			log.Error().Err(err).Msg("Failed to reload GeoIP database")
			continue
		}
		log.Info().Str("path", cfg.Path).Msg("GeoIP database reloaded")
	}
}

func optimizeLocation(name string) *time.Location {
	if name == "" {
		return nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn().Err(err).Str("tz", name).Msg("Unknown optimize time zone, using UTC")
		return time.UTC
	}

	return loc
}
