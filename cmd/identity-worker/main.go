// Command identity-worker runs the applicant identity and
// deduplication pipeline: it wires every component (queue, cache,
// face analyzer, vector index, deduplicator, identity manager, audit
// journal, notifier, blob store) into a running Processor, exposes
// Prometheus metrics and a health check, and serves the ingress
// contracts through an in-process Service (SPEC_FULL.md §6 is a Go
// surface, not a transport — nothing here speaks HTTP on its behalf).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gk2work/identaur/internal/config"
	"github.com/gk2work/identaur/internal/database"
	ierrors "github.com/gk2work/identaur/internal/errors"
	"github.com/gk2work/identaur/pkg/apperr"
	"github.com/gk2work/identaur/pkg/audit"
	"github.com/gk2work/identaur/pkg/blobstore"
	"github.com/gk2work/identaur/pkg/cache"
	cacheredis "github.com/gk2work/identaur/pkg/cache/redis"
	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/dedup"
	"github.com/gk2work/identaur/pkg/faceanalyzer"
	"github.com/gk2work/identaur/pkg/identity"
	"github.com/gk2work/identaur/pkg/metrics"
	"github.com/gk2work/identaur/pkg/notifier"
	"github.com/gk2work/identaur/pkg/processor"
	"github.com/gk2work/identaur/pkg/queue"
	"github.com/gk2work/identaur/pkg/resilience"
	"github.com/gk2work/identaur/pkg/service"
	"github.com/gk2work/identaur/pkg/store"
	"github.com/gk2work/identaur/pkg/vectorindex"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the worker's YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ierrors.FailedToWithDetails("load configuration", "config", configPath, err)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return ierrors.FailedTo("build logger", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(&database.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
		MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute, ConnMaxIdleTime: 5 * time.Minute,
	}, log)
	if err != nil {
		return ierrors.FailedToWithDetails("connect", "database", cfg.Database.Database, err)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		return ierrors.FailedToWithDetails("migrate", "database", cfg.Database.Database, err)
	}
	sqlxDB := sqlx.NewDb(db, "pgx")

	clk := clock.New()
	apps := store.NewApplicationRepository(sqlxDB, log)
	identities := store.NewIdentityRepository(sqlxDB, log)
	embeddings := store.NewEmbeddingRepository(sqlxDB, log)
	auditLog := audit.New(sqlxDB, clk, log)

	index := vectorindex.New(vectorindex.Config{
		TrainingThreshold: cfg.VectorIndex.TrainingThreshold,
		NList:             cfg.VectorIndex.NList,
		NProbe:            cfg.VectorIndex.NProbe,
		PersistDir:        cfg.VectorIndex.PersistDir,
		PersistInterval:   5 * time.Minute,
	}, log)
	if cfg.VectorIndex.PersistDir != "" {
		if err := index.Restore(); err != nil {
			return ierrors.FailedToWithDetails("restore", "vector index", cfg.VectorIndex.PersistDir, err)
		}
	}

	embeddingCache, err := buildCache(cfg.Cache, log)
	if err != nil {
		return ierrors.FailedTo("build embedding cache", err)
	}

	analyzer := faceanalyzer.NewHeuristic(faceanalyzer.DefaultHeuristicConfig(), log)

	deduplicator := dedup.New(dedup.Config{
		VerificationThreshold: cfg.Dedup.MediumThreshold,
		HighBand:              cfg.Dedup.HighThreshold,
		BorderlineMargin:      cfg.Dedup.BorderlineBand,
		TopK:                  10,
	}, index, log)

	identityManager := identity.New(apps, identities, embeddings, index, auditLog, clk, log)

	deadLetterSink := resilience.NewDeadLetterSink(1000)

	faceBreaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name: "face-analyzer", FailureThreshold: cfg.Resilience.FailureThreshold,
		OpenTimeout: cfg.Resilience.OpenTimeout, SuccessThreshold: cfg.Resilience.SuccessThreshold,
	}, log)
	faceRetrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts: cfg.Resilience.MaxAttempts, InitialDelay: cfg.Resilience.InitialDelay,
		MaxDelay: cfg.Resilience.MaxDelay, Base: 2.0, Jitter: true,
		Retryable: retryableFaceAnalyzerErr,
	}, deadLetterSink, log)
	faceCall := resilience.NewResilientCall("face-analyzer", faceBreaker, faceRetrier, log)

	indexBreaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name: "vector-index", FailureThreshold: cfg.Resilience.FailureThreshold,
		OpenTimeout: cfg.Resilience.OpenTimeout, SuccessThreshold: cfg.Resilience.SuccessThreshold,
	}, log)
	indexRetrier := resilience.NewRetrier(resilience.DefaultRetryConfig(), deadLetterSink, log)
	indexCall := resilience.NewResilientCall("vector-index", indexBreaker, indexRetrier, log)

	q := queue.New(cfg.Queue.Capacity, log)
	pushHub := notifier.NewHub(clk, log)
	webhookSink := notifier.NewWebhookSink(deadLetterSink, log)

	blobs, err := blobstore.New(cfg.BlobDir)
	if err != nil {
		return ierrors.FailedToWithDetails("open", "blob store", cfg.BlobDir, err)
	}

	procCfg := processor.DefaultConfig()
	procCfg.WebhookURL = cfg.Notifier.WebhookURL

	proc := processor.New(
		procCfg, q, apps, embeddingCache, analyzer, deduplicator, identityManager, auditLog,
		pushHub, webhookSink, blobs, faceCall, indexCall, deadLetterSink, clk, log,
	)

	svc := service.New(apps, identities, auditLog, identityManager, q, analyzer, pushHub, clk, log)
	_ = svc // the ingress surface has no transport wired yet; kept alive for future HTTP/gRPC adapters

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, log)
	metricsServer.StartAsync()

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		proc.Run(ctx)
	}()

	log.Info("identity-worker started",
		zap.String("metrics_port", cfg.Server.MetricsPort),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight work")

	proc.Stop()
	<-procDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}

	return nil
}

// retryableFaceAnalyzerErr recognizes faceanalyzer's ErrEmbeddingFailed
// as transient in addition to the default apperr-based check: a raw
// ErrEmbeddingFailed never satisfies apperr.As, so the default
// RetryConfig would otherwise never retry it.
func retryableFaceAnalyzerErr(err error) bool {
	var embeddingFailed faceanalyzer.ErrEmbeddingFailed
	if errors.As(err, &embeddingFailed) {
		return true
	}
	if e, ok := apperr.As(err); ok {
		return e.Kind != apperr.KindBreakerOpen && e.Retryable()
	}
	return false
}

func buildCache(cfg config.CacheConfig, log *zap.Logger) (cache.Cache, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		onFailure := func(err error) {
			metrics.SetCircuitBreakerState("embedding-cache", "open")
		}
		return cacheredis.New(client, cfg.DefaultTTL, 2*time.Second, log, onFailure), nil
	default:
		return cache.NewMemory(cfg.DefaultTTL), nil
	}
}

// buildLogger constructs the structured logger from cfg. Neither
// repo in the retrieved pack builds loggers from a level/format pair
// this way at an entrypoint (the teacher has no cmd/ entrypoints at
// all), so this wires zap's own production/development presets
// directly rather than inventing a bespoke encoder pipeline.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}
