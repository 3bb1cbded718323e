package feed_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/feed"
)

func TestCursor_RoundTrips(t *testing.T) {
	cursor := feed.EncodeCursor(42)
	rank, err := feed.DecodeCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, 42, rank)
}

func TestCursor_EmptyDecodesToZero(t *testing.T) {
	rank, err := feed.DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
}

func TestCursor_RejectsMalformedInput(t *testing.T) {
	_, err := feed.DecodeCursor("not-valid-base64!!")
	assert.Error(t, err)
}

func TestCheckComplexity_RejectsOverBudget(t *testing.T) {
	budget := feed.ComplexityBudget{Base: 10, PerDepth: 5, Budget: 50}
	assert.NoError(t, feed.CheckComplexity(budget, 20, 1))
	assert.Error(t, feed.CheckComplexity(budget, 20, 10))
}
