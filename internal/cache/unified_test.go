package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/pkg/logger"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	log, err := logger.New("cache-test", "debug")
	require.NoError(t, err)
	return New(Options{
		Addresses:   []string{"localhost:6379"},
		BaseTTL:     time.Minute,
		NegativeTTL: 30 * time.Second,
	}, log, nil)
}

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSetGet_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key("test", "widget", "w1")

	require.NoError(t, Set(ctx, c, key, widget{Name: "gizmo", Count: 3}, time.Minute, 1))

	got, err := Get[widget](ctx, c, key)
	require.NoError(t, err)
	assert.Equal(t, "gizmo", got.Name)
	assert.Equal(t, 3, got.Count)

	require.NoError(t, c.Del(ctx, key))
}

func TestGet_MissReturnsErrMiss(t *testing.T) {
	c := newTestCache(t)
	_, err := Get[widget](context.Background(), c, Key("test", "widget", "does-not-exist"))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSetNegative_ThenGetReturnsErrNegative(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key("test", "widget", "negative")

	require.NoError(t, c.SetNegative(ctx, key))
	_, err := Get[widget](ctx, c, key)
	assert.ErrorIs(t, err, ErrNegative)

	require.NoError(t, c.Del(ctx, key+":neg"))
}

func TestGetOrCompute_CollapsesConcurrentCallers(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key("test", "widget", "stampede")
	_ = c.Del(ctx, key)

	var calls int32
	compute := func(ctx context.Context) (widget, error) {
		calls++
		return widget{Name: "computed", Count: int(calls)}, nil
	}

	results := make(chan widget, 10)
	for i := 0; i < 10; i++ {
		go func() {
			val, _, err := GetOrCompute(ctx, c, key, time.Minute, compute)
			require.NoError(t, err)
			results <- val
		}()
	}

	for i := 0; i < 10; i++ {
		val := <-results
		assert.Equal(t, "computed", val.Name)
	}

	require.NoError(t, c.Del(ctx, key))
}

func TestInvalidateWithVersion_StaleEntryMissesOnRead(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key("test", "widget", "versioned")

	require.NoError(t, Set(ctx, c, key, widget{Name: "v1"}, time.Minute, 1))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.InvalidateWithVersion(ctx, key, time.Minute))

	_, err := Get[widget](ctx, c, key)
	assert.ErrorIs(t, err, ErrMiss)
}
