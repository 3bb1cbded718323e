package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/cache"
	"github.com/nova-social/backend/internal/database/postgres"
	"github.com/nova-social/backend/internal/feed"
	"github.com/nova-social/backend/internal/jobs"
	"github.com/nova-social/backend/internal/realtime"
	"github.com/nova-social/backend/internal/resilience"
	"github.com/nova-social/backend/pkg/config"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// batchSummary is the tiny status blob cached under the materialize
// job's key — jobs.Runner's contract caches whatever FetchData returns,
// and here that's a completion marker rather than a read-through value.
type batchSummary struct {
	UsersRefreshed int       `json:"users_refreshed"`
	Failed         int       `json:"failed"`
	RanAt          time.Time `json:"ran_at"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("feed-materializer", "info")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.New("feed_materializer")

	db, err := postgres.InitFromConfig(cfg, log, m)
	if err != nil {
		log.Error("failed to connect to database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	c := cache.New(cache.Options{
		Addresses: cfg.Redis.Addresses,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		MinIdle:   cfg.Redis.MinIdleConns,
	}, log, m)
	defer c.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addresses[0],
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer redisClient.Close()

	repo := feed.NewRepository(db, c, log, feed.ComplexityBudget{Base: cfg.Feed.ComplexityBase, PerDepth: cfg.Feed.ComplexityPerDepth, Budget: cfg.Feed.ComplexityBudget})
	sources := []feed.CandidateSource{
		feed.NewFollowedAuthorsSource(db),
		feed.NewInterestCohortSource(db),
		feed.NewTrendingByCategorySource(db, cfg.Jobs.TrendingWindow),
	}

	pipelineConfig := feed.Config{
		Weights: feed.Weights{
			Freshness:  cfg.Feed.WeightFreshness,
			Completion: cfg.Feed.WeightCompletion,
			Engagement: cfg.Feed.WeightEngagement,
			Affinity:   cfg.Feed.WeightAffinity,
			DeepModel:  cfg.Feed.WeightDeepModel,
		},
		FreshnessTau:       cfg.Feed.FreshnessTau,
		CandidatesPerUser:  cfg.Feed.CandidatesPerUser,
		DiversifyTopK:      cfg.Feed.DiversifyTopK,
		ScoringConcurrency: cfg.Feed.ScoringConcurrency,
	}

	pipeline, err := feed.NewPipeline(pipelineConfig, sources, feed.HeuristicScorer{}, repo, log, m)
	if err != nil {
		log.Error("invalid feed ranking weights", zap.Error(err))
		os.Exit(1)
	}
	pipeline.WithRateLimiter(resilience.NewRateLimiter(redisClient, 1, time.Minute))

	syncStore := realtime.NewSyncStateStore(db)
	runner := jobs.NewRunner(c, log, m, cfg.Jobs.WorkerPoolSize, cfg.Jobs.MaxJitter, cfg.Jobs.ShutdownGrace)

	runner.Register(jobs.CacheRefreshJob{
		Name:     "feed-materialize-active-users",
		Key:      "jobs:feed-materialize:last-run",
		Interval: 5 * time.Minute,
		TTL:      time.Hour,
		FetchData: func(ctx context.Context) ([]byte, error) {
			return materializeActiveUsers(ctx, syncStore, pipeline, log)
		},
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler: mux,
	}

	go func() {
		log.Info("starting feed-materializer metrics server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down feed-materializer")

	runner.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// materializeActiveUsers refreshes the feed for every user with a
// recent real-time sync checkpoint, since those are the users with an
// open client likely to notice a stale feed.
func materializeActiveUsers(ctx context.Context, syncStore *realtime.SyncStateStore, pipeline *feed.Pipeline, log *logger.Logger) ([]byte, error) {
	users, err := syncStore.ActiveUsers(ctx, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	summary := batchSummary{RanAt: time.Now()}
	for _, userID := range users {
		if err := pipeline.Refresh(ctx, userID); err != nil {
			summary.Failed++
			log.Warn("feed refresh failed for active user", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		summary.UsersRefreshed++
	}
	return json.Marshal(summary)
}
