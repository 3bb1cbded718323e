package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/feed"
)

func TestScoreCandidates_SortsDescendingWithDeterministicTiebreak(t *testing.T) {
	weights := feed.Weights{Freshness: 1.0}
	candidates := []feed.Candidate{
		{PostID: "b", Signals: feed.Signals{Freshness: 0.5}},
		{PostID: "a", Signals: feed.Signals{Freshness: 0.5}},
		{PostID: "c", Signals: feed.Signals{Freshness: 0.9}},
	}

	scored := feed.ScoreCandidates(context.Background(), candidates, weights, feed.HeuristicScorer{}, 4)
	require.Len(t, scored, 3)
	assert.Equal(t, "c", scored[0].PostID)
	assert.Equal(t, "a", scored[1].PostID, "equal scores break ties by ascending post_id")
	assert.Equal(t, "b", scored[2].PostID)
}

func TestDiversify_CapsOneAuthorPerTopWindow(t *testing.T) {
	scored := []feed.Scored{
		{Candidate: feed.Candidate{PostID: "p1", AuthorID: "u1"}, Score: 0.9},
		{Candidate: feed.Candidate{PostID: "p2", AuthorID: "u1"}, Score: 0.8},
		{Candidate: feed.Candidate{PostID: "p3", AuthorID: "u2"}, Score: 0.7},
		{Candidate: feed.Candidate{PostID: "p4", AuthorID: "u3"}, Score: 0.6},
		{Candidate: feed.Candidate{PostID: "p5", AuthorID: "u4"}, Score: 0.5},
		{Candidate: feed.Candidate{PostID: "p6", AuthorID: "u5"}, Score: 0.4},
	}

	diversified, demotions := feed.Diversify(scored, 5)
	require.Equal(t, 1, demotions)

	authors := make(map[string]int)
	for _, s := range diversified[:5] {
		authors[s.AuthorID]++
	}
	for author, count := range authors {
		assert.LessOrEqualf(t, count, 1, "author %s appears %d times in top window", author, count)
	}
	assert.Equal(t, "p2", diversified[len(diversified)-1].PostID, "demoted post lands after the window")
}

func TestAssignRanks_IsDenseAndOneBased(t *testing.T) {
	scored := []feed.Scored{
		{Candidate: feed.Candidate{PostID: "a"}, Score: 0.9},
		{Candidate: feed.Candidate{PostID: "b"}, Score: 0.5},
	}
	rows := feed.AssignRanks("user-1", scored, time.Now())
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, 2, rows[1].Rank)
	assert.Equal(t, "user-1", rows[0].UserID)
}
