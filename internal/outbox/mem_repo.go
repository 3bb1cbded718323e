package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryRepository is a thread-safe in-memory Store, used by tests and
// the offline demo binaries that run without Postgres.
type InMemoryRepository struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		messages: make(map[string]*Message),
		order:    make([]string, 0),
	}
}

func (r *InMemoryRepository) Save(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.Status = StatusPending
	r.messages[msg.ID] = msg
	r.order = append(r.order, msg.ID)
	return nil
}

func (r *InMemoryRepository) GetPendingMessages(ctx context.Context, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Message
	for _, id := range r.order {
		if len(out) >= limit {
			break
		}
		if m := r.messages[id]; m != nil && m.Status == StatusPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) MarkAsPublished(ctx context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return fmt.Errorf("no outbox message with id %s", messageID)
	}
	now := time.Now()
	m.Status = StatusPublished
	m.PublishedAt = &now
	return nil
}

func (r *InMemoryRepository) MarkAttemptFailed(ctx context.Context, messageID string, errMsg string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return 0, fmt.Errorf("no outbox message with id %s", messageID)
	}
	m.AttemptCount++
	m.ErrorMessage = errMsg
	return m.AttemptCount, nil
}

func (r *InMemoryRepository) MarkPermanentlyFailed(ctx context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return fmt.Errorf("no outbox message with id %s", messageID)
	}
	m.Status = StatusFailed
	return nil
}

func (r *InMemoryRepository) CleanupPublishedMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var removed int64
	newOrder := make([]string, 0, len(r.order))
	for _, id := range r.order {
		m := r.messages[id]
		if m == nil {
			continue
		}
		if m.Status == StatusPublished && m.PublishedAt != nil && m.PublishedAt.Before(cutoff) {
			delete(r.messages, id)
			removed++
			continue
		}
		newOrder = append(newOrder, id)
	}
	r.order = newOrder
	return removed, nil
}

func (r *InMemoryRepository) CountPending(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range r.order {
		if m := r.messages[id]; m != nil && m.Status == StatusPending {
			n++
		}
	}
	return n, nil
}
