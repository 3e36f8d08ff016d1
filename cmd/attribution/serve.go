package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/vector-attribution/internal/aggregator"
	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/bus"
	"github.com/radiusdt/vector-attribution/internal/cache"
	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/geo"
	"github.com/radiusdt/vector-attribution/internal/httpserver"
	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/middleware"
	"github.com/radiusdt/vector-attribution/internal/pipeline"
	"github.com/radiusdt/vector-attribution/internal/report"
)

const (
	geoCacheSize     = 10000
	geoCacheTTL      = time.Hour
	dbStatsInterval  = 15 * time.Second
	rateLimitMaxIdle = 10 * time.Minute
)

var (
	serveCampaigns string
	serveMigrate   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, the pipeline stages and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveCampaigns, "campaigns", "", "JSON file of campaigns for in-memory mode")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply schema migrations before serving")
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting attribution engine",
		zap.String("version", version),
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	// ========================================
	// Connections and storage
	// ========================================

	conns, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open connections: %w", err)
	}
	defer conns.Close()

	if serveMigrate {
		if err := migrate(ctx, conns, logger); err != nil {
			return err
		}
	}

	st, err := openStores(cfg, conns, serveCampaigns, logger)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	// ========================================
	// Ingestion
	// ========================================

	backpressure := ingest.NewBackpressure(cfg.Ingest.BackpressureRPS, cfg.Ingest.BackpressureBurst)

	ingestSvc := ingest.NewService(st.events, st.campaigns, cfg.Ingest, logger)
	ingestSvc.SetBackpressure(backpressure)
	ingestSvc.SetMetrics(m)

	if cfg.Geo.Enabled {
		provider, err := geo.NewMaxMindProvider(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("GeoIP database not available, enrichment disabled", zap.Error(err))
		} else {
			enricher := geo.NewEnricher(provider, geoCacheSize, geoCacheTTL, m)
			defer enricher.Close()
			ingestSvc.SetEnricher(enricher)
			logger.Info("GeoIP enrichment enabled", zap.String("db", cfg.Geo.DatabasePath))
		}
	}

	// ========================================
	// Attribution, aggregation and invalidation
	// ========================================

	transport, err := bus.New(cfg, conns, instanceID(), logger)
	if err != nil {
		return fmt.Errorf("invalidation bus: %w", err)
	}
	defer transport.Close()
	publisher := bus.NewAsyncPublisher(transport, cfg.Bus.BufferSize, m, logger)

	agg, err := aggregator.New(cfg.Aggregator, st.campaigns, logger)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}
	agg.SetPublisher(publisher)
	agg.SetLagListener(backpressure)
	agg.SetMetrics(m)

	registry := attribution.NewModelRegistry(attribution.DefaultStrategies())
	registry.SetStore(st.versions)

	engine := attribution.NewEngine(
		st.events,
		st.attributed,
		registry,
		cfg.Attribution.TouchpointLookback,
		cfg.Ingest.DedupBucket,
		logger,
	)
	engine.SetMetrics(m)

	runner := pipeline.NewRunner(pipeline.Deps{
		Events:      st.events,
		Attribution: st.attribution,
		Offsets:     st.offsets,
		Checkpoints: st.checkpoints,
		Campaigns:   st.campaigns,
		Engine:      engine,
		Aggregator:  agg,
	}, cfg.Pipeline, cfg.Attribution, logger)
	runner.SetMetrics(m)

	persister := pipeline.NewPersister(agg, st.rollups, st.persistOffsets, cfg.Pipeline.PersistInterval, logger)

	// ========================================
	// Reads and reports
	// ========================================

	var shared cache.SharedTier
	if conns.Redis != nil {
		shared = cache.NewRedisTier(conns.Redis.Client, "", m)
	}
	metricsCache := cache.New(cfg.Cache, agg.Query, shared, logger)
	metricsCache.SetMetrics(m)

	reports := report.NewGenerator(agg, cfg.Report.ArtifactDir, cfg.Report.Workers, logger)
	reports.SetMetrics(m)

	// ========================================
	// HTTP server
	// ========================================

	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	handler := httpserver.NewServer(&httpserver.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Ingest:    ingestSvc,
		Events:    st.events,
		Reads:     metricsCache,
		Reports:   reports,
		Ready:     conns.Health,
		RateLimit: rateLimit,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return metricsCache.Run(gctx, transport) })
	g.Go(func() error { return reports.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return persister.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(rateLimitMaxIdle)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := rateLimit.Cleanup(rateLimitMaxIdle); n > 0 {
					logger.Debug("rate limiters dropped", zap.Int("count", n))
				}
			}
		}
	})
	if conns.Postgres != nil && m != nil {
		g.Go(func() error {
			reportDBStats(gctx, conns.Postgres, m)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func reportDBStats(ctx context.Context, db *database.PostgresDB, m *metrics.Metrics) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := db.Stats()
			m.UpdateDBStats(int(s.IdleConns()), int(s.AcquiredConns()), int(s.TotalConns()))
		}
	}
}

// instanceID names this process on the invalidation bus.
func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()[:8]
}
