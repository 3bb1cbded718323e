package feed

import (
	"context"
	"time"

	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/database/repository"
	"github.com/nova-social/backend/internal/errkind"
)

// Candidate-generation aggregate types replicated into cdc_projections
// by the CDC consumer (C6). Each source filters on one of these.
const (
	aggregatePost           = "post"
	aggregateFollow         = "follow"
	aggregateInterestMember = "interest_cohort_member"
)

// perSourceFetchLimit bounds how many rows a single source pulls before
// the pipeline's own CandidatesPerUser cap and dedup run; generous
// enough that diversification has real material to work with.
const perSourceFetchLimit = 200

// FollowedAuthorsSource surfaces recent posts from authors the user
// follows, the highest-affinity signal in the ranking model.
type FollowedAuthorsSource struct {
	db database.DB
}

func NewFollowedAuthorsSource(db database.DB) *FollowedAuthorsSource {
	return &FollowedAuthorsSource{db: db}
}

func (s *FollowedAuthorsSource) Candidates(ctx context.Context, userID string, freshnessTau time.Duration) ([]Candidate, error) {
	query, args := repository.NewQueryBuilder("cdc_projections AS p").
		Select(
			"p.aggregate_id",
			"p.data->>'author_id'",
			"(p.data->>'created_at')::timestamptz",
			"(p.data->>'likes')::float8",
			"(p.data->>'comments')::float8",
			"(p.data->>'shares')::float8",
		).
		Join("JOIN cdc_projections AS f ON f.aggregate_type = '" + aggregateFollow + "' AND f.data->>'follower_id' = $1 AND f.data->>'followed_id' = p.data->>'author_id'").
		// $1 (userID) is referenced by the join above; bundling it into
		// this Where call keeps QueryBuilder's flattened arg order ($1,
		// $2) lined up with the placeholders used in the raw join text.
		Where("p.aggregate_type = $2", userID, aggregatePost).
		OrderBy("p.updated_at", true).
		Limit(perSourceFetchLimit).
		BuildSelect()

	return queryCandidates(ctx, s.db, query, args, freshnessTau, func(c *Candidate) { c.Signals.Affinity = 1.0 })
}

// InterestCohortSource surfaces recent posts tagged with categories the
// user's interest cohort membership tracks, covering discovery beyond
// the user's direct follow graph.
type InterestCohortSource struct {
	db database.DB
}

func NewInterestCohortSource(db database.DB) *InterestCohortSource {
	return &InterestCohortSource{db: db}
}

func (s *InterestCohortSource) Candidates(ctx context.Context, userID string, freshnessTau time.Duration) ([]Candidate, error) {
	query, args := repository.NewQueryBuilder("cdc_projections AS p").
		Select(
			"p.aggregate_id",
			"p.data->>'author_id'",
			"(p.data->>'created_at')::timestamptz",
			"(p.data->>'likes')::float8",
			"(p.data->>'comments')::float8",
			"(p.data->>'shares')::float8",
		).
		Join("JOIN cdc_projections AS m ON m.aggregate_type = '" + aggregateInterestMember + "' AND m.data->>'user_id' = $1 AND m.data->>'category' = p.data->>'category'").
		// see the identical note in FollowedAuthorsSource.Candidates.
		Where("p.aggregate_type = $2", userID, aggregatePost).
		OrderBy("p.updated_at", true).
		Limit(perSourceFetchLimit).
		BuildSelect()

	return queryCandidates(ctx, s.db, query, args, freshnessTau, func(c *Candidate) { c.Signals.Affinity = 0.5 })
}

// TrendingByCategorySource surfaces recent high-engagement posts
// independent of the user's graph or cohort, so a feed never starves
// for a brand-new account with no follows or cohort membership yet.
type TrendingByCategorySource struct {
	db     database.DB
	window time.Duration
}

func NewTrendingByCategorySource(db database.DB, window time.Duration) *TrendingByCategorySource {
	return &TrendingByCategorySource{db: db, window: window}
}

func (s *TrendingByCategorySource) Candidates(ctx context.Context, userID string, freshnessTau time.Duration) ([]Candidate, error) {
	cutoff := time.Now().Add(-s.window)

	query, args := repository.NewQueryBuilder("cdc_projections").
		Select(
			"aggregate_id",
			"data->>'author_id'",
			"(data->>'created_at')::timestamptz",
			"(data->>'likes')::float8",
			"(data->>'comments')::float8",
			"(data->>'shares')::float8",
		).
		Where("aggregate_type = $1", aggregatePost).
		Where("(data->>'created_at')::timestamptz > $2", cutoff).
		OrderBy("(data->>'likes')::float8 + (data->>'comments')::float8 * 2 + (data->>'shares')::float8", true).
		Limit(perSourceFetchLimit).
		BuildSelect()

	// userID is unused for this source's query but kept in the
	// CandidateSource signature so the pipeline can call all three
	// sources uniformly; trending is global, not per-user.
	_ = userID
	return queryCandidates(ctx, s.db, query, args, freshnessTau, func(c *Candidate) { c.Signals.Affinity = 0 })
}

// queryCandidates runs a source query and assembles Candidates,
// applying engagement/freshness signals uniformly so the per-source
// annotate callback only needs to set what's unique to that source
// (affinity, which reflects graph/cohort membership rather than
// anything derivable from the post row itself).
func queryCandidates(ctx context.Context, db database.DB, query string, args []interface{}, freshnessTau time.Duration, annotate func(*Candidate)) ([]Candidate, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "query feed candidates", err)
	}
	defer rows.Close()

	var out []Candidate
	now := time.Now()
	for rows.Next() {
		var (
			postID, authorID        string
			createdAt               time.Time
			likes, comments, shares float64
		)
		if err := rows.Scan(&postID, &authorID, &createdAt, &likes, &comments, &shares); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "scan feed candidate", err)
		}

		c := Candidate{
			PostID:    postID,
			AuthorID:  authorID,
			CreatedAt: createdAt,
		}
		c.Signals.Freshness = Freshness(now.Sub(createdAt), freshnessTau)
		c.Signals.Engagement = Engagement(EngagementInputs{
			Likes:    likes,
			Comments: comments,
			Shares:   shares,
			AgeHours: now.Sub(createdAt).Hours(),
		})
		c.Deep = DeepModelInputs{Engagement: c.Signals.Engagement}
		annotate(&c)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "iterate feed candidates", err)
	}
	return out, nil
}
