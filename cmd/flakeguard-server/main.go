// Command flakeguard-server serves FlakeGuard's inbound surfaces: the
// GitHub Actions webhook intake, the REST/query API, and /metrics
// (spec.md §6.2/§6.3/§6.6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub006/internal/config"
	"github.com/thc1006/flakeguard-sub006/pkg/api"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
	"github.com/thc1006/flakeguard-sub006/pkg/query"
	"github.com/thc1006/flakeguard-sub006/pkg/queue"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/logging"
	"github.com/thc1006/flakeguard-sub006/pkg/storage"
	"github.com/thc1006/flakeguard-sub006/pkg/webhook"
)

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

	shutdownTracing, err := metrics.InitTracing("flakeguard-server", logger.Infof)
	if err != nil {
		logger.WithError(err).Warn("failed to initialize tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTracing != nil {
			_ = shutdownTracing(ctx)
		}
	}()

	db, err := storage.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	querySvc, err := query.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open query service: %w", err)
	}

	redisConn := queue.NewClient(&redis.Options{Addr: cfg.Queue.URL}, logging.NewLogrAdapter(logger))
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()
	if err := redisConn.EnsureConnection(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	q := queue.New(redisConn.GetClient(), "flakeguard")

	m := metrics.New()
	queueDepthCtx, stopQueueDepth := context.WithCancel(context.Background())
	defer stopQueueDepth()
	go reportQueueDepth(queueDepthCtx, q, m, logger)

	deps := api.Deps{
		Repositories:    storage.NewRepositoryStore(db),
		PolicyOverrides: storage.NewPolicyOverrideStore(db),
		PolicyDefaults: policy.Config{
			WarnThreshold:        cfg.Policy.WarnThreshold,
			QuarantineThreshold:  cfg.Policy.QuarantineThreshold,
			MinRunsForQuarantine: cfg.Policy.MinRunsForQuarantine,
			MinRecentFailures:    cfg.Policy.MinRecentFailures,
			LookbackDays:         cfg.Policy.LookbackDays,
			RollingWindowSize:    cfg.Policy.RollingWindowSize,
		},
		Queue:           q,
		Query:           querySvc,
		Webhook:         webhook.NewHandler([]byte(cfg.CIProvider.WebhookSecret), q, logger, m),
		MetricsGatherer: prometheus.DefaultGatherer,
		Logger:          logger,
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.APIPort,
		Handler:      api.Router(deps),
		ReadTimeout:  cfg.Timeouts.Request,
		WriteTimeout: cfg.Timeouts.Request,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("flakeguard-server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	_ = redisConn.Close()
	return shutdownErr
}

// queueDepthInterval is how often /metrics' queue_depth gauge is refreshed
// from the queue's own counts.
const queueDepthInterval = 15 * time.Second

// reportQueueDepth periodically samples q.Counts and publishes them as the
// flakeguard_queue_depth gauge, labeled by state, until ctx is canceled.
func reportQueueDepth(ctx context.Context, q *queue.Queue, m *metrics.Metrics, logger *logrus.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	states := []queue.State{queue.StateWaiting, queue.StateActive, queue.StateDelayed, queue.StateCompleted, queue.StateFailed}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := q.Counts(ctx)
			if err != nil {
				logger.WithError(err).Warn("failed to sample queue depth")
				continue
			}
			for _, s := range states {
				m.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
			}
		}
	}
}
