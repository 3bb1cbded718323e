package feed

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/cache"
	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/errkind"
	"github.com/nova-social/backend/pkg/logger"
)

// Row is the Feed Row (F): one materialized ranked post for one user.
type Row struct {
	UserID      string
	PostID      string
	AuthorID    string
	Score       float64
	Rank        int
	GeneratedAt time.Time
}

// Page is a cursorable slice of a user's materialized feed.
type Page struct {
	Rows    []Row
	Cursor  string
	HasMore bool
}

const feedCachedTTL = 2 * time.Minute

// Repository reads/writes feed_rows, transparently checking the unified
// cache before the database — the same pattern as the teacher's
// CachedRepository, generalized to feed's cache-aside read path.
type Repository struct {
	db         database.DB
	cache      *cache.Cache
	log        *logger.Logger
	tracer     trace.Tracer
	complexity ComplexityBudget
}

func NewRepository(db database.DB, c *cache.Cache, log *logger.Logger, complexity ComplexityBudget) *Repository {
	return &Repository{db: db, cache: c, log: log, tracer: trace.NewNoopTracerProvider().Tracer("feed-repository"), complexity: complexity}
}

// Materialize atomically replaces a user's entire feed_rows set
// (delete-then-insert in one transaction) and invalidates the cached
// page so the next read recomputes it.
func (r *Repository) Materialize(ctx context.Context, userID string, rows []Row) error {
	ctx, span := r.tracer.Start(ctx, "feed.materialize")
	defer span.End()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, "begin feed materialize transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM feed_rows WHERE user_id = $1`, userID); err != nil {
		return errkind.Wrap(errkind.Unavailable, "clear stale feed rows", err)
	}

	for _, row := range rows {
		const query = `
			INSERT INTO feed_rows (user_id, rank, post_id, author_id, score, generated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.Exec(ctx, query, row.UserID, row.Rank, row.PostID, row.AuthorID, row.Score, row.GeneratedAt); err != nil {
			return errkind.Wrap(errkind.Unavailable, "insert feed row", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.Unavailable, "commit feed materialize transaction", err)
	}

	if r.cache != nil {
		key := cache.Key("feed", "page", userID)
		if err := r.cache.Del(ctx, key); err != nil {
			r.log.Warn("failed to invalidate cached feed page", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// Read returns a cursorable page of a user's materialized feed,
// degrading to an empty page (rather than an error) if the DB read
// fails, per the read-path's graceful-degradation contract. Only the
// first page (cursor == "") is cache-aside: it is by far the hottest
// read (every home-feed open), and caching it under a single per-user
// key keeps Materialize's invalidation a plain Del rather than a scan.
// Deeper pages always read straight from the DB. A cursor's depth
// (cursor rank / page size) is checked against the complexity budget
// before the DB is touched, rejecting pathologically deep pagination
// instead of degrading it.
func (r *Repository) Read(ctx context.Context, userID string, cursor string, pageSize int) (Page, error) {
	ctx, span := r.tracer.Start(ctx, "feed.read")
	defer span.End()

	afterRank, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	depth := 0
	if pageSize > 0 {
		depth = afterRank / pageSize
	}
	if err := CheckComplexity(r.complexity, pageSize, depth); err != nil {
		return Page{}, err
	}

	if cursor == "" && r.cache != nil {
		key := cache.Key("feed", "page", userID)
		page, _, err := cache.GetOrCompute(ctx, r.cache, key, feedCachedTTL, func(ctx context.Context) (Page, error) {
			return r.readPage(ctx, userID, afterRank, pageSize)
		})
		if err != nil {
			r.log.Warn("feed read fell back to empty page", zap.String("user_id", userID), zap.Error(err))
			return Page{Cursor: "", HasMore: false}, nil
		}
		return page, nil
	}

	page, err := r.readPage(ctx, userID, afterRank, pageSize)
	if err != nil {
		r.log.Warn("feed read fell back to empty page", zap.String("user_id", userID), zap.Error(err))
		return Page{Cursor: "", HasMore: false}, nil
	}
	return page, nil
}

func (r *Repository) readPage(ctx context.Context, userID string, afterRank, pageSize int) (Page, error) {
	rows, err := r.readFromDB(ctx, userID, afterRank, pageSize+1)
	if err != nil {
		return Page{}, err
	}

	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}

	var nextCursor string
	if hasMore && len(rows) > 0 {
		nextCursor = EncodeCursor(rows[len(rows)-1].Rank)
	}

	return Page{Rows: rows, Cursor: nextCursor, HasMore: hasMore}, nil
}

func (r *Repository) readFromDB(ctx context.Context, userID string, afterRank, limit int) ([]Row, error) {
	const query = `
		SELECT user_id, post_id, author_id, score, rank, generated_at
		FROM feed_rows
		WHERE user_id = $1 AND rank > $2
		ORDER BY rank ASC
		LIMIT $3`

	rowsResult, err := r.db.Query(ctx, query, userID, afterRank, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "query feed rows", err)
	}
	defer rowsResult.Close()

	var out []Row
	for rowsResult.Next() {
		var row Row
		if err := rowsResult.Scan(&row.UserID, &row.PostID, &row.AuthorID, &row.Score, &row.Rank, &row.GeneratedAt); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "scan feed row", err)
		}
		out = append(out, row)
	}
	if err := rowsResult.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "iterate feed rows", err)
	}
	return out, nil
}
