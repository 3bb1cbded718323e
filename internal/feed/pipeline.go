package feed

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/errkind"
	"github.com/nova-social/backend/internal/resilience"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// CandidateSource produces a slice of candidate posts for a user. The
// three sources named by the ranking pipeline (followed authors,
// interest cohorts, trending by category) each implement this.
type CandidateSource interface {
	Candidates(ctx context.Context, userID string, freshnessTau time.Duration) ([]Candidate, error)
}

// Config bounds candidate generation, scoring concurrency, and the
// diversification window.
type Config struct {
	Weights            Weights
	FreshnessTau       time.Duration
	CandidatesPerUser  int
	DiversifyTopK      int
	ScoringConcurrency int
}

// Pipeline runs the full ranking pipeline: generate candidates from
// every source, dedupe by post_id, score in parallel, sort, diversify,
// rank, and materialize.
type Pipeline struct {
	config    Config
	sources   []CandidateSource
	scorer    Scorer
	repo      *Repository
	limiter   *resilience.RateLimiter
	log       *logger.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func NewPipeline(config Config, sources []CandidateSource, scorer Scorer, repo *Repository, log *logger.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if err := config.Weights.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Pipeline{
		config:  config,
		sources: sources,
		scorer:  scorer,
		repo:    repo,
		log:     log,
		metrics: m,
		tracer:  trace.NewNoopTracerProvider().Tracer("feed-pipeline"),
	}, nil
}

// WithRateLimiter attaches a manual-refresh rate limiter. Scheduled and
// invalidation-triggered refreshes bypass it; only RefreshNow enforces it.
func (p *Pipeline) WithRateLimiter(limiter *resilience.RateLimiter) *Pipeline {
	p.limiter = limiter
	return p
}

// RefreshNow is the user-triggered "pull to refresh" path: it enforces
// the per-user manual-refresh rate limit before delegating to Refresh.
// A Redis outage fails open, since refusing a refresh outright is worse
// than an unthrottled one.
func (p *Pipeline) RefreshNow(ctx context.Context, userID string) error {
	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, "feed:manual-refresh:"+userID)
		if err != nil {
			p.log.Warn("manual feed refresh rate limit check failed, failing open", zap.String("user_id", userID), zap.Error(err))
		} else if !allowed {
			return errkind.New(errkind.RateLimited, "manual feed refresh rate limit exceeded")
		}
	}
	return p.Refresh(ctx, userID)
}

// Refresh regenerates and atomically materializes the feed for one user.
func (p *Pipeline) Refresh(ctx context.Context, userID string) error {
	ctx, span := p.tracer.Start(ctx, "feed.refresh")
	defer span.End()
	start := time.Now()

	candidates, err := p.generateCandidates(ctx, userID)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		if err := p.repo.Materialize(ctx, userID, nil); err != nil {
			return err
		}
		return nil
	}

	if len(candidates) > p.config.CandidatesPerUser {
		candidates = candidates[:p.config.CandidatesPerUser]
	}

	scoreStart := time.Now()
	scored := ScoreCandidates(ctx, candidates, p.config.Weights, p.scorer, p.config.ScoringConcurrency)
	if p.metrics != nil {
		p.metrics.FeedScoringDuration.Observe(time.Since(scoreStart).Seconds())
	}

	diversified, demotions := Diversify(scored, p.config.DiversifyTopK)
	rows := AssignRanks(userID, diversified, time.Now().UTC())

	if err := p.repo.Materialize(ctx, userID, rows); err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.FeedMaterializeDuration.Observe(time.Since(start).Seconds())
		p.metrics.FeedCandidates.Observe(float64(len(candidates)))
		for i := 0; i < demotions; i++ {
			p.metrics.FeedDiversifyDemotions.Inc()
		}
	}
	p.log.Debug("refreshed feed", zap.String("user_id", userID), zap.Int("rows", len(rows)))
	return nil
}

func (p *Pipeline) generateCandidates(ctx context.Context, userID string) ([]Candidate, error) {
	seen := make(map[string]bool)
	var out []Candidate
	failed := 0
	for _, src := range p.sources {
		cands, err := src.Candidates(ctx, userID, p.config.FreshnessTau)
		if err != nil {
			p.log.Warn("candidate source failed, continuing with others", zap.Error(err))
			failed++
			continue
		}
		for _, c := range cands {
			if seen[c.PostID] {
				continue
			}
			seen[c.PostID] = true
			out = append(out, c)
		}
	}
	if len(p.sources) > 0 && failed == len(p.sources) {
		return nil, errkind.New(errkind.Dependency, "all candidate sources failed")
	}
	return out, nil
}
