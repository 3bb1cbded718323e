package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/cache"
	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/database/postgres"
	"github.com/nova-social/backend/internal/feed"
	"github.com/nova-social/backend/internal/jobs"
	"github.com/nova-social/backend/internal/realtime"
	"github.com/nova-social/backend/pkg/config"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// trendingPost is one row of the cached trending-by-time-window result.
type trendingPost struct {
	PostID string  `json:"post_id"`
	Score  float64 `json:"score"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("job-runner", "info")
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.New("job_runner")

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

	repo := feed.NewRepository(db, c, log, feed.ComplexityBudget{Base: cfg.Feed.ComplexityBase, PerDepth: cfg.Feed.ComplexityPerDepth, Budget: cfg.Feed.ComplexityBudget})
	syncStore := realtime.NewSyncStateStore(db)

	runner := jobs.NewRunner(c, log, m, cfg.Jobs.WorkerPoolSize, cfg.Jobs.MaxJitter, cfg.Jobs.ShutdownGrace)

	runner.Register(jobs.CacheRefreshJob{
		Name:      "trending-by-time-window",
		Key:       "jobs:trending:window",
		Interval:  cfg.Jobs.TrendingWindow / 6,
		TTL:       cfg.Jobs.TrendingTTL,
		FetchData: func(ctx context.Context) ([]byte, error) { return fetchTrending(ctx, db, cfg.Jobs.TrendingWindow) },
	})

	runner.Register(jobs.CacheRefreshJob{
		Name:      "suggested-users-for-active-cohort",
		Key:       "jobs:suggested-users:active-cohort",
		Interval:  30 * time.Minute,
		TTL:       cfg.Jobs.SuggestionsTTL,
		FetchData: func(ctx context.Context) ([]byte, error) { return fetchSuggestedUsers(ctx, db) },
	})

	runner.Register(jobs.CacheRefreshJob{
		Name:     "hot-user-cache-warmer",
		Key:      "jobs:hot-users:warmed",
		Interval: 2 * time.Minute,
		TTL:      cfg.Jobs.HotUserWarmerTTL,
		FetchData: func(ctx context.Context) ([]byte, error) {
			return warmHotUsers(ctx, syncStore, repo, cfg.Feed.CandidatesPerUser)
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
		log.Info("starting job-runner metrics server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down job-runner")

	runner.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// fetchTrending ranks posts replicated into cdc_projections by a raw
// engagement count over the trailing window, independent of any one
// user's graph — the same population TrendingByCategorySource draws
// candidates from, but pre-aggregated here so per-request feed reads
// never pay for this scan.
func fetchTrending(ctx context.Context, db database.DB, window time.Duration) ([]byte, error) {
	cutoff := time.Now().Add(-window)
	const query = `
		SELECT aggregate_id,
		       COALESCE((data->>'likes')::float8, 0) + COALESCE((data->>'comments')::float8, 0) * 2 + COALESCE((data->>'shares')::float8, 0) AS score
		FROM cdc_projections
		WHERE aggregate_type = 'post' AND (data->>'created_at')::timestamptz > $1
		ORDER BY score DESC
		LIMIT 100`

	rows, err := db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trendingPost
	for rows.Next() {
		var p trendingPost
		if err := rows.Scan(&p.PostID, &p.Score); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// fetchSuggestedUsers ranks, per interest category, the authors with
// the most posts among cohort members — a simple "who's active in your
// cohort" suggestion, not a full graph-based recommender.
func fetchSuggestedUsers(ctx context.Context, db database.DB) ([]byte, error) {
	const query = `
		SELECT m.data->>'category' AS category, p.data->>'author_id' AS author_id, COUNT(*) AS post_count
		FROM cdc_projections m
		JOIN cdc_projections p ON p.aggregate_type = 'post' AND p.data->>'category' = m.data->>'category'
		WHERE m.aggregate_type = 'interest_cohort_member'
		GROUP BY category, author_id
		ORDER BY category, post_count DESC`

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suggestions := make(map[string][]string)
	for rows.Next() {
		var category, authorID string
		var postCount int
		if err := rows.Scan(&category, &authorID, &postCount); err != nil {
			return nil, err
		}
		if len(suggestions[category]) < 10 {
			suggestions[category] = append(suggestions[category], authorID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(suggestions)
}

// warmHotUsers re-populates the feed cache for the most recently active
// users from the already-materialized feed_rows, cheaper and more
// frequent than feed-materializer's full re-ranking job.
func warmHotUsers(ctx context.Context, syncStore *realtime.SyncStateStore, repo *feed.Repository, pageSize int) ([]byte, error) {
	users, err := syncStore.ActiveUsers(ctx, time.Hour)
	if err != nil {
		return nil, err
	}
	sort.Strings(users)

	// Read degrades to an empty page rather than erroring (see
	// Repository.Read), so this loop is purely for the cache-population
	// side effect; there is nothing meaningful to branch on per user.
	for _, userID := range users {
		_, _ = repo.Read(ctx, userID, "", pageSize)
	}
	return json.Marshal(map[string]int{"warmed": len(users)})
}
