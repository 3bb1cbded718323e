package feed

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/cache"
	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/logger"
)

// InvalidatePayload is the feed.invalidate event body: the set of
// users whose feed must be recomputed because a post/follow/interaction
// changed under them.
type InvalidatePayload struct {
	UserIDs []string `json:"user_ids"`
	Reason  string   `json:"reason"`
}

// InvalidateConsumer handles feed.invalidate envelopes emitted by the
// outbox/publisher chain (C4 -> C5 -> here): it drops the cached feed
// page for each affected user and schedules an immediate pipeline
// refresh, so the next read picks up fresh rows instead of the stale
// cached page or stale materialized set. Replaces the teacher's
// cache-updater service, which duplicated its own Kafka consumer,
// Redis client, and pattern-invalidation logic.
type InvalidateConsumer struct {
	cache    *cache.Cache
	pipeline *Pipeline
	log      *logger.Logger
}

func NewInvalidateConsumer(c *cache.Cache, pipeline *Pipeline, log *logger.Logger) *InvalidateConsumer {
	return &InvalidateConsumer{cache: c, pipeline: pipeline, log: log}
}

// Handle implements consumer.Handler.
func (h *InvalidateConsumer) Handle(ctx context.Context, e *envelope.Envelope, raw *sarama.ConsumerMessage) error {
	if e.EventType != envelope.FeedInvalidate {
		h.log.Warn("invalidate consumer received unexpected event type", zap.String("event_type", string(e.EventType)))
		return nil
	}

	var payload InvalidatePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return err
	}

	for _, userID := range payload.UserIDs {
		key := cache.Key("feed", "page", userID)
		if err := h.cache.Del(ctx, key); err != nil {
			h.log.Warn("failed to invalidate cached feed page", zap.String("user_id", userID), zap.Error(err))
		}
		if h.pipeline != nil {
			if err := h.pipeline.Refresh(ctx, userID); err != nil {
				h.log.Error("failed to refresh feed after invalidation",
					zap.String("user_id", userID), zap.String("reason", payload.Reason), zap.Error(err))
				return err
			}
		}
	}
	return nil
}
