package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tabitabe/multiparty-meeting/internals/metrics"
	"go.uber.org/zap"
)

// Channel prefix for the cross-instance relay.
const roomChannelPrefix = "meeting:room:"

// RelayMessage wraps a room-wide notification with its origin instance so
// instances can skip their own traffic.
type RelayMessage struct {
	InstanceID  string          `json:"instance_id"`
	Method      string          `json:"method"`
	Data        json.RawMessage `json:"data"`
	ExcludePeer string          `json:"exclude_peer,omitempty"`
}

// RelayHandler delivers a relayed notification to the local members of a room.
type RelayHandler func(roomID, method string, data json.RawMessage, excludePeer string)

// Relay fans room notifications out across server instances through Redis
// pub/sub. Delivery is best effort, matching the notification contract.
type Relay struct {
	redis      *redis.Client
	instanceID string
	handler    RelayHandler
	logger     *zap.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub // roomID -> subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRelay(client *redis.Client, handler RelayHandler, logger *zap.Logger) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		redis:      client,
		instanceID: uuid.New().String(),
		handler:    handler,
		logger:     logger,
		subs:       make(map[string]*redis.PubSub),
		ctx:        ctx,
		cancel:     cancel,
	}

	logger.Info("Notification relay initialized",
		zap.String("instance_id", r.instanceID),
	)

	return r
}

func roomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

// Publish forwards a room-wide notification to every other instance.
func (r *Relay) Publish(roomID, method string, data json.RawMessage, excludePeer string) {
	msg := RelayMessage{
		InstanceID:  r.instanceID,
		Method:      method,
		Data:        data,
		ExcludePeer: excludePeer,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.RelayErrorsTotal.Inc()
		r.logger.Error("Failed to marshal relay message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	if err := r.redis.Publish(r.ctx, roomChannel(roomID), payload).Err(); err != nil {
		metrics.RelayErrorsTotal.Inc()
		r.logger.Error("Failed to publish relay message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	metrics.RecordRelay("out")
}

// SubscribeRoom starts listening for relayed notifications for a room.
func (r *Relay) SubscribeRoom(roomID string) {
	r.mu.Lock()
	if _, exists := r.subs[roomID]; exists {
		r.mu.Unlock()
		return
	}

	sub := r.redis.Subscribe(r.ctx, roomChannel(roomID))
	r.subs[roomID] = sub
	r.mu.Unlock()

	r.logger.Debug("Subscribed to room channel", zap.String("room_id", roomID))

	go r.listen(roomID, sub)
}

// UnsubscribeRoom stops listening for a room, typically on registry eviction.
func (r *Relay) UnsubscribeRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[roomID]
	if !exists {
		return
	}
	if err := sub.Close(); err != nil {
		r.logger.Warn("Error closing relay subscription",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
	delete(r.subs, roomID)
}

func (r *Relay) listen(roomID string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleMessage(roomID, msg)
		}
	}
}

func (r *Relay) handleMessage(roomID string, redisMsg *redis.Message) {
	var msg RelayMessage
	if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
		metrics.RelayErrorsTotal.Inc()
		r.logger.Warn("Failed to unmarshal relay message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	// Already delivered locally when this instance published it.
	if msg.InstanceID == r.instanceID {
		return
	}

	metrics.RecordRelay("in")
	r.handler(roomID, msg.Method, msg.Data, msg.ExcludePeer)
}

// InstanceID returns this instance's relay identity.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Ping checks relay health.
func (r *Relay) Ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	defer cancel()
	return r.redis.Ping(ctx).Err()
}

// Close shuts down all subscriptions.
func (r *Relay) Close() error {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, sub := range r.subs {
		if err := sub.Close(); err != nil {
			r.logger.Warn("Error closing relay subscription during shutdown",
				zap.String("room_id", roomID),
				zap.Error(err),
			)
		}
	}
	r.subs = make(map[string]*redis.PubSub)

	return nil
}
