// Command backfill is a one-shot administrative tool that re-materializes
// feeds out of band: for every user, one user, or rebuilt from a single
// candidate source, without waiting on the scheduled feed-materializer.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/cache"
	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/database/postgres"
	"github.com/nova-social/backend/internal/feed"
	"github.com/nova-social/backend/pkg/config"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

var (
	flagAll        bool
	flagItem       string
	flagSource     string
	flagPageSize   int
	flagMax        int
	flagResequence bool
)

func main() {
	root := &cobra.Command{
		Use:          "backfill",
		Short:        "Re-materialize feeds out of band",
		SilenceUsage: true,
		RunE:         runBackfill,
	}

	root.Flags().BoolVar(&flagAll, "all", false, "backfill every user with a materialized feed")
	root.Flags().StringVar(&flagItem, "item", "", "backfill a single user id")
	root.Flags().StringVar(&flagSource, "source", "", "rebuild using only one candidate source: followed, cohort, or trending")
	root.Flags().IntVar(&flagPageSize, "page-size", 500, "how many user ids to fetch per page while selecting --all")
	root.Flags().IntVar(&flagMax, "max", 0, "maximum number of users to backfill (0 = no limit)")
	root.Flags().BoolVar(&flagResequence, "resequence", false, "immediately warm the feed cache after each materialize instead of leaving it to the next read")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBackfill(cmd *cobra.Command, args []string) error {
	selectors := 0
	if flagAll {
		selectors++
	}
	if flagItem != "" {
		selectors++
	}
	if flagSource != "" && flagItem == "" && !flagAll {
		return fmt.Errorf("--source must be combined with --all or --item")
	}
	if selectors != 1 {
		return fmt.Errorf("exactly one of --all or --item must be set")
	}
	if flagPageSize <= 0 {
		return fmt.Errorf("--page-size must be positive")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New("backfill", "info")
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	m := metrics.New("backfill")

	db, err := postgres.InitFromConfig(cfg, log, m)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
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
	sources, err := selectSources(db, flagSource, cfg.Jobs.TrendingWindow)
	if err != nil {
		return err
	}

	pipeline, err := feed.NewPipeline(feed.Config{
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
	}, sources, feed.HeuristicScorer{}, repo, log, m)
	if err != nil {
		return fmt.Errorf("invalid feed ranking weights: %w", err)
	}

	ctx := context.Background()

	var userIDs []string
	if flagItem != "" {
		userIDs = []string{flagItem}
	} else {
		userIDs, err = selectAllUsers(ctx, db, flagPageSize, flagMax)
		if err != nil {
			return fmt.Errorf("select backfill users: %w", err)
		}
	}

	var failed int
	for _, userID := range userIDs {
		if err := pipeline.Refresh(ctx, userID); err != nil {
			log.Error("backfill failed for user", zap.String("user_id", userID), zap.Error(err))
			failed++
			continue
		}
		if flagResequence {
			if _, err := repo.Read(ctx, userID, "", flagPageSize); err != nil {
				log.Warn("cache warm failed after backfill", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}

	log.Info("backfill complete", zap.Int("total", len(userIDs)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d users failed to backfill", failed, len(userIDs))
	}
	return nil
}

func selectSources(db database.DB, name string, trendingWindow time.Duration) ([]feed.CandidateSource, error) {
	switch name {
	case "":
		return []feed.CandidateSource{
			feed.NewFollowedAuthorsSource(db),
			feed.NewInterestCohortSource(db),
			feed.NewTrendingByCategorySource(db, trendingWindow),
		}, nil
	case "followed":
		return []feed.CandidateSource{feed.NewFollowedAuthorsSource(db)}, nil
	case "cohort":
		return []feed.CandidateSource{feed.NewInterestCohortSource(db)}, nil
	case "trending":
		return []feed.CandidateSource{feed.NewTrendingByCategorySource(db, trendingWindow)}, nil
	default:
		return nil, fmt.Errorf("unknown --source %q: must be followed, cohort, or trending", name)
	}
}

// selectAllUsers pages through the distinct users with a materialized
// feed, stopping once max is reached (0 = no limit).
func selectAllUsers(ctx context.Context, db database.DB, pageSize, max int) ([]string, error) {
	var out []string
	lastUserID := ""
	for {
		rows, err := db.Query(ctx, `
			SELECT DISTINCT user_id FROM feed_rows
			WHERE user_id > $1
			ORDER BY user_id
			LIMIT $2`, lastUserID, pageSize)
		if err != nil {
			return nil, err
		}

		var page []string
		for rows.Next() {
			var userID string
			if err := rows.Scan(&userID); err != nil {
				rows.Close()
				return nil, err
			}
			page = append(page, userID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		out = append(out, page...)
		if max > 0 && len(out) >= max {
			out = out[:max]
			break
		}
		if len(page) < pageSize {
			break
		}
		lastUserID = page[len(page)-1]
	}
	return out, nil
}
