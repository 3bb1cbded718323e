package feed_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/feed"
)

func TestWeights_ValidateRejectsNonNormalized(t *testing.T) {
	w := feed.Weights{Freshness: 0.5, Completion: 0.5, Engagement: 0.5}
	assert.Error(t, w.Validate())
}

func TestWeights_ValidateAcceptsNormalized(t *testing.T) {
	w := feed.Weights{Freshness: 0.25, Completion: 0.15, Engagement: 0.25, Affinity: 0.2, DeepModel: 0.15}
	require.NoError(t, w.Validate())
}

func TestWeights_CompositeIsWeightedSum(t *testing.T) {
	w := feed.Weights{Freshness: 1.0}
	score := w.Composite(feed.Signals{Freshness: 0.8})
	assert.InDelta(t, 0.8, score, 1e-9)
}

func TestFreshness_DecaysWithAge(t *testing.T) {
	tau := 34*time.Hour + 38*time.Minute
	fresh := feed.Freshness(0, tau)
	older := feed.Freshness(48*time.Hour, tau)
	assert.Greater(t, fresh, older)
	assert.InDelta(t, 1.0, fresh, 1e-9)
}

func TestFreshness_ApproximatelyHalfAt24Hours(t *testing.T) {
	tau := 34*time.Hour + 38*time.Minute
	score := feed.Freshness(24*time.Hour, tau)
	assert.InDelta(t, 0.5, score, 0.05)
}

func TestEngagement_IsBoundedAndMonotonic(t *testing.T) {
	low := feed.Engagement(feed.EngagementInputs{Likes: 1, AgeHours: 1})
	high := feed.Engagement(feed.EngagementInputs{Likes: 1000, Comments: 500, Shares: 200, AgeHours: 1})
	assert.GreaterOrEqual(t, low, 0.0)
	assert.LessOrEqual(t, high, 1.0)
	assert.Greater(t, high, low)
}

func TestHeuristicScorer_BoostsFollowedAuthorsAndPastInteractions(t *testing.T) {
	scorer := feed.HeuristicScorer{}
	base := scorer.Score(feed.DeepModelInputs{Engagement: 0.3})
	followed := scorer.Score(feed.DeepModelInputs{Engagement: 0.3, AuthorIsFollowing: true})
	interacted := scorer.Score(feed.DeepModelInputs{Engagement: 0.3, PreviousInteractions: 10})

	assert.Greater(t, followed, base)
	assert.Greater(t, interacted, base)
	assert.LessOrEqual(t, followed, 1.0)
}
