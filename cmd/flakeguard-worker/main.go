// Command flakeguard-worker drains the job queue: it translates
// webhook-ingest events into artifact-process jobs and runs the
// artifact-ingestion pipeline for each (spec.md §4.3/§4.5 / C7).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/thc1006/flakeguard-sub006/internal/config"
	"github.com/thc1006/flakeguard-sub006/internal/worker"
	"github.com/thc1006/flakeguard-sub006/pkg/ciprovider"
	"github.com/thc1006/flakeguard-sub006/pkg/ingest"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
	"github.com/thc1006/flakeguard-sub006/pkg/queue"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/circuitbreaker"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/httpclient"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/logging"
	"github.com/thc1006/flakeguard-sub006/pkg/storage"
)

// reapInterval is how often the queue pool requeues jobs whose
// visibility timeout expired without a Complete/Fail (spec.md §4.5:
// "workers that die mid-job release their lease").
const reapInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the FlakeGuard configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	db, err := storage.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	logrLogger := logging.NewLogrAdapter(logger)
	redisConn := queue.NewClient(&redis.Options{Addr: cfg.Queue.URL}, logrLogger)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()
	if err := redisConn.EnsureConnection(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	q := queue.New(redisConn.GetClient(), "flakeguard", queue.WithVisibilityTimeout(cfg.Timeouts.Job))

	m := metrics.New()

	breakers := circuitbreaker.NewManager(gobreaker.Settings{
		MaxRequests: cfg.CircuitBreaker.HalfOpenProbes,
		Timeout:     cfg.CircuitBreaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitBreaker.FailureThreshold
		},
	}, m)
	adapter := ciprovider.NewAdapter(
		ciprovider.AppCredentials{
			AppID:            cfg.CIProvider.AppID,
			PrivateKeyBase64: cfg.CIProvider.PrivateKeyBase64,
			BaseURL:          cfg.CIProvider.BaseURL,
		},
		httpclient.NewClient(httpclient.GitHubClientConfig(cfg.Timeouts.Request)),
		breakers,
		ciprovider.Config{ReserveCount: cfg.RateLimit.MinReserve, MaxAttempts: cfg.Concurrency.DownloadRetries},
		m,
	)

	repositories := storage.NewRepositoryStore(db)
	pipeline := ingest.New(
		adapter,
		storage.NewRunStore(db),
		storage.NewTestCaseStore(db),
		storage.NewOccurrenceStore(db),
		storage.NewScoreStore(db),
		storage.NewClusterStore(db),
		storage.NewQuarantineStore(db),
		ingest.Config{
			WorkerCount:          cfg.Concurrency.ArtifactParallelism,
			MaxArtifactSizeBytes: cfg.Concurrency.ArtifactMaxSizeBytes,
			MinArtifactSizeBytes: cfg.Concurrency.ArtifactMinSizeBytes,
			MaxXMLSizeBytes:      ingest.DefaultConfig().MaxXMLSizeBytes,
			OccurrenceBatchSize:  ingest.DefaultConfig().OccurrenceBatchSize,
			WindowN:              cfg.Policy.RollingWindowSize,
			NamePatterns:         ingest.DefaultConfig().NamePatterns,
		},
		policy.Config{
			WarnThreshold:        cfg.Policy.WarnThreshold,
			QuarantineThreshold:  cfg.Policy.QuarantineThreshold,
			MinRunsForQuarantine: cfg.Policy.MinRunsForQuarantine,
			MinRecentFailures:    cfg.Policy.MinRecentFailures,
			LookbackDays:         cfg.Policy.LookbackDays,
			RollingWindowSize:    cfg.Policy.RollingWindowSize,
		},
		logger,
		m,
	)

	w := worker.New(q, pipeline, repositories, logger, m)
	pool := queue.NewPool(q, w.Handle,
		queue.WithWorkerCount(cfg.Concurrency.QueueConcurrency),
		queue.WithReapInterval(reapInterval),
		queue.WithPoolLogger(logrLogger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("flakeguard-worker starting")
	pool.Start(ctx)
	<-ctx.Done()
	logger.Info("shutting down")
	pool.Stop()
	_ = redisConn.Close()
	logger.Info("flakeguard-worker stopped")
	return nil
}
