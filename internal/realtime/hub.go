// Package realtime implements the WebSocket/Redis-Streams real-time
// delivery path (C10): messages are appended to a per-room Redis
// Stream, fanned out to connected WebSocket clients, and a client's
// last-delivered stream id is checkpointed so a reconnect can replay
// the gap instead of dropping it.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/errkind"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// Message is one real-time event delivered to WebSocket clients.
type Message struct {
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Config tunes stream retention and the consumer group used for
// fan-out delivery.
type Config struct {
	StreamMaxLen      int64
	StreamRetention   time.Duration
	ConsumerGroup     string
	SyncStateTTL      time.Duration
	SyncFlushInterval time.Duration
	WriteBufferSize   int
}

// Hub fans out messages from Redis Streams to registered WebSocket
// clients and persists per-client delivery checkpoints. It replaces
// the teacher's pub/sub-based EnhancedHub: pub/sub has no replay, so a
// client that reconnects mid-outage loses everything published while
// it was gone. Streams plus a per-client checkpoint of the last
// delivered entry id (SyncStateStore) fix that.
//
// Delivery is two-layered: one XREADGROUP consumer per (replica, room),
// named after this Hub's own replicaID rather than the client, reads
// each stream entry exactly once per replica; an in-process broadcast
// then fans that single read out to every client the replica currently
// holds for that room. A per-client consumer name would instead hand
// each entry to exactly one of potentially many clients sharing a room,
// since a Redis Streams consumer group load-balances across its
// consumers — it does not multicast to all of them.
type Hub struct {
	config  Config
	redis   *redis.Client
	sync    *SyncStateStore
	log     *logger.Logger
	metrics *metrics.Metrics

	replicaID string

	mu         sync.RWMutex
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	roomCancel map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(config Config, redisClient *redis.Client, syncStore *SyncStateStore, log *logger.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:     config,
		redis:      redisClient,
		sync:       syncStore,
		log:        log,
		metrics:    m,
		replicaID:  "replica-" + uuid.NewString(),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		roomCancel: make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func streamKey(room string) string { return "nova:realtime:stream:" + room }

// Publish appends a message to the room's stream, trimming it to
// StreamMaxLen. Every subscriber (live or reconnecting) reads from
// this single durable log rather than an ephemeral pub/sub channel.
func (h *Hub) Publish(ctx context.Context, room string, msgType string, data json.RawMessage) error {
	msg := Message{Type: msgType, Room: room, Data: data, Timestamp: time.Now().Unix()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, "marshal realtime message", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey(room),
		MaxLen: h.config.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if _, err := h.redis.XAdd(ctx, args).Result(); err != nil {
		return errkind.Wrap(errkind.Unavailable, "append to realtime stream", err)
	}
	return nil
}

// Register adds a client to the hub and its room and, if it is resuming,
// replays every stream entry after its last delivered id, then makes sure
// the room has a reader. The client is already in the room's broadcast
// set during the replay, so if the room already has a reader, live
// entries can reach the client before the replay finishes.
func (h *Hub) Register(ctx context.Context, c *Client, room string) error {
	h.mu.Lock()
	h.clients[c] = true
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}

	if err := h.ensureGroup(ctx, room); err != nil {
		return err
	}

	lastID, found, err := h.sync.Load(ctx, c.ClientID)
	if err == nil && found {
		if err := h.replay(ctx, c, room, lastID); err != nil {
			h.log.Warn("failed to replay missed realtime messages", zap.String("client_id", c.ClientID), zap.Error(err))
		}
	}

	h.ensureRoomConsumer(room)
	return nil
}

// ensureRoomConsumer starts this replica's single XREADGROUP reader for
// room if one isn't already running. Safe to call once per Register;
// a room already being read is a no-op.
func (h *Hub) ensureRoomConsumer(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, running := h.roomCancel[room]; running {
		return
	}
	roomCtx, cancel := context.WithCancel(h.ctx)
	h.roomCancel[room] = cancel
	h.wg.Add(1)
	go h.consumeRoom(roomCtx, room)
}

func (h *Hub) ensureGroup(ctx context.Context, room string) error {
	err := h.redis.XGroupCreateMkStream(ctx, streamKey(room), h.config.ConsumerGroup, "$").Err()
	if err != nil && err != redis.Nil {
		// BUSYGROUP means the group already exists; anything else is a
		// real failure.
		if isBusyGroupErr(err) {
			return nil
		}
		return errkind.Wrap(errkind.Unavailable, "create realtime consumer group", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (h *Hub) replay(ctx context.Context, c *Client, room string, afterID string) error {
	entries, err := h.redis.XRange(ctx, streamKey(room), "("+afterID, "+").Result()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		h.deliverEntry(c, entry)
	}
	return nil
}

// consumeRoom is this replica's single reader for room: it reads new
// stream entries via XREADGROUP under the replica's own consumer name
// and broadcasts each one in-process to every client this replica holds
// for the room. Exactly one goroutine per (replica, room) runs this,
// regardless of how many clients join.
func (h *Hub) consumeRoom(ctx context.Context, room string) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := h.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    h.config.ConsumerGroup,
			Consumer: h.replicaID,
			Streams:  []string{streamKey(room), ">"},
			Count:    64,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.log.Warn("realtime stream read failed", zap.String("room", room), zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				h.broadcast(ctx, room, entry)
				h.redis.XAck(ctx, streamKey(room), h.config.ConsumerGroup, entry.ID)
			}
		}
	}
}

// broadcast delivers one stream entry to every client this replica
// currently holds for room, and checkpoints each client's sync state
// independently so a per-client reconnect replay still works.
func (h *Hub) broadcast(ctx context.Context, room string, entry redis.XMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.deliverEntry(c, entry)
		if err := h.sync.Save(ctx, c.ClientID, c.UserID, entry.ID); err != nil {
			h.log.Warn("failed to save realtime sync checkpoint", zap.String("client_id", c.ClientID), zap.Error(err))
		}
	}
}

func (h *Hub) deliverEntry(c *Client, entry redis.XMessage) {
	payload, ok := entry.Values["payload"].(string)
	if !ok {
		return
	}
	select {
	case c.send <- []byte(payload):
		if h.metrics != nil {
			h.metrics.WSMessagesOut.Inc()
		}
	default:
		h.log.Warn("dropping realtime message, client send buffer full", zap.String("client_id", c.ClientID))
		if h.metrics != nil {
			h.metrics.WSMessageDropped.Inc()
		}
	}
}

// Unregister removes a client from the hub and every room it joined,
// stopping that room's reader once its last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room, clients := range h.rooms {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
			if cancel, ok := h.roomCancel[room]; ok {
				cancel()
				delete(h.roomCancel, room)
			}
		}
	}
	h.mu.Unlock()

	close(c.done)
	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
}

// Shutdown stops all room consumers and waits for them to exit.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

// ConnectionCount returns the number of currently registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
