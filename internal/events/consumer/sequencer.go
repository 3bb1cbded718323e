package consumer

import (
	"context"
	"errors"
	"sync"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5"

	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/errkind"
)

// Sequencer commits Kafka offsets to kafka_offsets in strict increasing
// order per partition, even when the handlers that produced those
// offsets ran out of order under bounded fan-out. It buffers
// out-of-order completions and only advances the persisted checkpoint
// up to the highest contiguous offset.
type Sequencer struct {
	db database.DB

	mu      sync.Mutex
	next    map[partitionKey]int64
	pending map[partitionKey]map[int64]bool
}

type partitionKey struct {
	topic     string
	partition int32
}

func NewSequencer(db database.DB) *Sequencer {
	return &Sequencer{
		db:      db,
		next:    make(map[partitionKey]int64),
		pending: make(map[partitionKey]map[int64]bool),
	}
}

// Complete marks offset as processed for (topic, partition) and
// persists the new checkpoint for every contiguous offset now ready to
// commit. Safe to call concurrently from bounded fan-out workers.
func (s *Sequencer) Complete(ctx context.Context, msg *sarama.ConsumerMessage) error {
	key := partitionKey{topic: msg.Topic, partition: msg.Partition}

	s.mu.Lock()
	if s.pending[key] == nil {
		s.pending[key] = make(map[int64]bool)
	}
	s.pending[key][msg.Offset] = true

	next, ok := s.next[key]
	if !ok {
		next = msg.Offset
	}

	committed := next
	for s.pending[key][next] {
		delete(s.pending[key], next)
		committed = next
		next++
	}
	s.next[key] = next
	s.mu.Unlock()

	if committed < msg.Offset && committed == next-1 {
		return s.persist(ctx, key, committed)
	}
	if next > msg.Offset {
		return s.persist(ctx, key, next-1)
	}
	return nil
}

func (s *Sequencer) persist(ctx context.Context, key partitionKey, offset int64) error {
	const query = `
		INSERT INTO kafka_offsets (topic, partition, offset_value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (topic, partition)
		DO UPDATE SET offset_value = EXCLUDED.offset_value, updated_at = now()
		WHERE kafka_offsets.offset_value < EXCLUDED.offset_value`

	if _, err := s.db.Exec(ctx, query, key.topic, key.partition, offset); err != nil {
		return errkind.Wrap(errkind.Unavailable, "persist kafka offset checkpoint", err)
	}
	return nil
}

// LastCommitted returns the last persisted offset for (topic, partition),
// used to decide where a recovering consumer should resume from.
func (s *Sequencer) LastCommitted(ctx context.Context, topic string, partition int32) (int64, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT offset_value FROM kafka_offsets WHERE topic = $1 AND partition = $2`, topic, partition)
	var offset int64
	if err := row.Scan(&offset); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errkind.Wrap(errkind.Unavailable, "load kafka offset checkpoint", err)
	}
	return offset, true, nil
}
