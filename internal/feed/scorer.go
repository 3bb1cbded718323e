package feed

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Candidate is a post eligible for a user's feed before scoring.
type Candidate struct {
	PostID    string
	AuthorID  string
	CreatedAt time.Time
	Signals   Signals
	Deep      DeepModelInputs
}

// Scored pairs a candidate with its composite score.
type Scored struct {
	Candidate
	Score float64
}

// ScoreCandidates scores candidates in parallel, bounded by
// concurrency, then sorts descending by score with a deterministic
// post_id tiebreak so ordering is reproducible across runs.
func ScoreCandidates(ctx context.Context, candidates []Candidate, weights Weights, scorer Scorer, concurrency int) []Scored {
	if concurrency <= 0 {
		concurrency = 1
	}
	out := make([]Scored, len(candidates))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c Candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			s := c.Signals
			s.DeepModel = scorer.Score(c.Deep)
			out[i] = Scored{Candidate: c, Score: weights.Composite(s)}
		}(i, c)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PostID < out[j].PostID
	})
	return out
}

// Diversify applies the author-saturation rule within the top window:
// no author may contribute more than one post in the first window
// positions. A candidate that would violate the rule is demoted to
// the next position where the rule holds, preserving relative order
// among demoted items.
func Diversify(scored []Scored, window int) ([]Scored, int) {
	if window < 5 {
		window = 5
	}
	if len(scored) <= 1 {
		return scored, 0
	}

	result := make([]Scored, 0, len(scored))
	seenInWindow := make(map[string]bool)
	var deferred []Scored

	for _, s := range scored {
		if len(result) < window {
			if seenInWindow[s.AuthorID] {
				deferred = append(deferred, s)
				continue
			}
			seenInWindow[s.AuthorID] = true
			result = append(result, s)
		} else {
			result = append(result, s)
		}
	}

	// Re-insert deferred items after the window closes, retaining their
	// relative order among themselves.
	if len(deferred) > 0 {
		insertAt := window
		if insertAt > len(result) {
			insertAt = len(result)
		}
		merged := make([]Scored, 0, len(result)+len(deferred))
		merged = append(merged, result[:insertAt]...)
		merged = append(merged, deferred...)
		merged = append(merged, result[insertAt:]...)
		result = merged
	}
	return result, len(deferred)
}

// AssignRanks stamps dense, 1-based ranks in list order.
func AssignRanks(userID string, scored []Scored, now time.Time) []Row {
	rows := make([]Row, len(scored))
	for i, s := range scored {
		rows[i] = Row{
			UserID:      userID,
			PostID:      s.PostID,
			AuthorID:    s.AuthorID,
			Score:       s.Score,
			Rank:        i + 1,
			GeneratedAt: now,
		}
	}
	return rows
}
