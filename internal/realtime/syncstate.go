package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/errkind"
)

// SyncStateStore persists the Real-time Sync State (S): the last
// Redis Stream entry id delivered to a client, so a reconnect can
// resume instead of replaying from the beginning or dropping the gap.
type SyncStateStore struct {
	db database.DB
}

func NewSyncStateStore(db database.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

// Save upserts the client's checkpoint. Called after every delivered
// entry; callers may rate-limit how often they call this if a flush
// interval is preferred over per-message persistence.
func (s *SyncStateStore) Save(ctx context.Context, clientID, userID, streamID string) error {
	const query = `
		INSERT INTO sync_state (client_id, user_id, last_delivered_stream_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (client_id)
		DO UPDATE SET last_delivered_stream_id = EXCLUDED.last_delivered_stream_id, updated_at = now()`
	if _, err := s.db.Exec(ctx, query, clientID, userID, streamID); err != nil {
		return errkind.Wrap(errkind.Unavailable, "save realtime sync state", err)
	}
	return nil
}

// Load returns the last delivered stream id for clientID, or
// found=false if the client has no checkpoint (first connection).
func (s *SyncStateStore) Load(ctx context.Context, clientID string) (string, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT last_delivered_stream_id FROM sync_state WHERE client_id = $1`, clientID)
	var streamID string
	if err := row.Scan(&streamID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errkind.Wrap(errkind.Unavailable, "load realtime sync state", err)
	}
	return streamID, true, nil
}

// ActiveUsers returns the distinct user ids with a sync_state checkpoint
// updated within the last `within` window — the job runner's hot-user
// cache warmer treats this as the recently-connected population.
func (s *SyncStateStore) ActiveUsers(ctx context.Context, within time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-within)
	rows, err := s.db.Query(ctx, `SELECT DISTINCT user_id FROM sync_state WHERE updated_at > $1`, cutoff)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "query active realtime users", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "scan active realtime user", err)
		}
		out = append(out, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "iterate active realtime users", err)
	}
	return out, nil
}

// Prune deletes sync_state rows older than retention, bounding storage
// for clients that never reconnect.
func (s *SyncStateStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := s.db.Exec(ctx, `DELETE FROM sync_state WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, "prune realtime sync state", err)
	}
	return tag.RowsAffected(), nil
}
