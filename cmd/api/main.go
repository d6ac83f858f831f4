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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pagespace/history/internal/app"
	"pagespace/history/internal/blob"
	"pagespace/history/internal/codec"
	"pagespace/history/internal/config"
	"pagespace/history/internal/diff"
	"pagespace/history/internal/diffcache"
	"pagespace/history/internal/logging"
	"pagespace/history/internal/metrics"
	"pagespace/history/internal/retention"
	"pagespace/history/internal/rollback"
	"pagespace/history/internal/store"
	"pagespace/history/internal/version"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logger.Zerolog()
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	checks := map[string]app.Pinger{}

	var repo version.Repository = version.NewMemoryRepository()
	metadata := "memory"
	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
		if err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		if len(applied) > 0 {
			log.Info().Strs("migrations", applied).Msg("migrations applied")
		}
		repo = store.NewVersionRepository(db)
		metadata = "postgres"
		checks["database"] = app.PingFunc(db.PingContext)
	}

	blobs, err := openBlobs(ctx, cfg, checks)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.BlobBackend).Msg("blob store unavailable")
	}

	c, err := codec.New(cfg.CompressionThreshold)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid compression threshold")
	}
	policy, err := retention.PolicyByName(cfg.RetentionPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid retention policy")
	}
	versions := version.NewStore(repo, blobs, c, version.Options{
		Retention:         cfg.Retention,
		DedupeConsecutive: cfg.DedupeConsecutive,
		Guard:             version.Guard(policy),
		Logger:            logger.Component("versions"),
		Metrics:           m,
	})

	differ := diff.NewEngine(versions, diff.Options{
		StreamCeiling: cfg.DiffStreamCeiling,
		Logger:        logger.Component("diff"),
		Metrics:       m,
	})

	var backend diffcache.Backend = diffcache.NewLRU(cfg.DiffCacheSize, cfg.DiffCacheTTL)
	if cfg.RedisURL != "" {
		redisCache, err := diffcache.NewRedis(cfg.RedisURL, cfg.DiffCacheTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisCache.Close()
		backend = redisCache
		checks["diffcache"] = redisCache
		log.Info().Msg("using redis diff cache")
	}
	cache := diffcache.New(backend, logger.Component("diffcache"), m)

	sweeper := retention.NewSweeper(versions, policy, logger.Component("retention"), m)
	if err := retention.ValidateSchedule(cfg.SweepSchedule); err != nil {
		log.Fatal().Err(err).Msg("invalid sweep schedule")
	}
	scheduler := retention.NewScheduler(sweeper, logger.Component("scheduler"))
	if err := scheduler.Register(cfg.SweepSchedule); err != nil {
		log.Fatal().Err(err).Msg("register sweep failed")
	}
	scheduler.Start()

	service := app.New(app.Deps{
		Versions: versions,
		Differ:   differ,
		Cache:    cache,
		Restorer: rollback.NewEngine(versions, differ, logger.Component("rollback"), m),
		Sweeper:  sweeper,
		Checks:   checks,
		Logger:   logger.Component("service"),
	})
	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger.Component("http"),
		Metrics:    m,
		Gatherer:   registry,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.LogServerStart(cfg.Addr, metadata, cfg.BlobBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.LogServerShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	scheduler.Stop(shutdownCtx)
}

func openBlobs(ctx context.Context, cfg config.Config, checks map[string]app.Pinger) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "git":
		return blob.NewGitStore(cfg.BlobDir)
	case "minio":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		s, err := blob.NewMinioStore(connectCtx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		checks["blobs"] = s
		return s, nil
	case "memory":
		return blob.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}
